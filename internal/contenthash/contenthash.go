// Package contenthash derives identities from raw image bytes.
package contenthash

import (
	"bytes"
	"crypto/sha256"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"predictionhub/internal/model"
)

// Hash returns the SHA-256 digest of data. It is a pure function of the exact
// byte sequence: re-encoding the same picture yields a different key.
func Hash(data []byte) model.ContentKey {
	return model.ContentKey(sha256.Sum256(data))
}

// Fingerprint returns the difference hash of the decoded image, or "" when the
// bytes cannot be decoded. The value is informational and never used for
// deduplication.
func Fingerprint(data []byte) string {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return ""
	}
	return hash.ToString()
}
