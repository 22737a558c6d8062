// Package preview checks uploaded images and renders history thumbnails.
package preview

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"predictionhub/internal/model"
)

// AllowedExtensions lists the upload file extensions accepted regardless of
// the declared content type.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".webp"}

var extensionMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".webp": "image/webp",
}

// CheckUpload accepts an upload when its declared content type is image/* or
// its file name carries an allowed extension, and returns the MIME type to
// store with it.
func CheckUpload(filename, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", model.Invalid("image", "file is empty")
	}
	declared := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	ext := strings.ToLower(filepath.Ext(filename))

	_, extOK := extensionMIME[ext]
	if !strings.HasPrefix(declared, "image/") && !extOK {
		return "", model.Invalid("image", "file must be an image (allowed extensions: %s)", strings.Join(AllowedExtensions, ", "))
	}
	return DetectMIME(data, declared, ext), nil
}

// DetectMIME prefers the sniffed type, then the declared one, then the
// extension's, and falls back to image/jpeg.
func DetectMIME(data []byte, declared, ext string) string {
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if m, ok := extensionMIME[ext]; ok {
		return m
	}
	return "image/jpeg"
}

// Thumbnail decodes data and returns a JPEG that fits into size x size.
func Thumbnail(data []byte, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", size)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
