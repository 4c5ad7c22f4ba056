package server

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxUploadBytes caps the size of an uploaded image.
const MaxUploadBytes = 10 << 20

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/tiff": true,
	"image/tif":  true,
}

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// ValidationError rejects an upload; it maps to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateUpload accepts a file whose content type or extension is an allowed
// image type.
func validateUpload(filename, contentType string) error {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if allowedContentTypes[ct] {
		return nil
	}
	if allowedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return nil
	}
	return &ValidationError{Message: "unsupported file format, accepted formats: JPG, PNG, TIFF"}
}

func tooLarge() error {
	return &ValidationError{Message: fmt.Sprintf("file too large, maximum size is %s", humanize.IBytes(MaxUploadBytes))}
}
