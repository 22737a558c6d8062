package sqlstore

// Dialect captures what differs between the SQL backends.
type Dialect interface {
	// Name identifies the backend in logs.
	Name() string
	// Rebind rewrites ? placeholders into the backend's native form.
	Rebind(query string) string
	// IsUniqueViolation reports whether err is a uniqueness constraint failure.
	IsUniqueViolation(err error) bool
	// SerializeWrites is true for backends that allow a single writer.
	SerializeWrites() bool
}
