package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
)

// ErrImageNotFound is returned when no file exists for a sample id under any probed extension.
var ErrImageNotFound = errors.New("image not found")

// ImageExtensions is the probe order when resolving an id to a file.
// Fast-decoding formats come first; TIFF is slowest and probed last.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".tif"}

// FindImage returns root/<id><ext> for the first extension that exists.
func FindImage(root, id string) (string, error) {
	for _, ext := range ImageExtensions {
		path := filepath.Join(root, id+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrImageNotFound, id, root)
}

// LabelRow is one row of train_labels.csv and of the split files.
type LabelRow struct {
	ID    string `csv:"id"`
	Label int    `csv:"label"`
}

// idRow is a row of the submission template. Other columns are ignored.
type idRow struct {
	ID string `csv:"id"`
}

// ReadLabels reads an id,label CSV. Labels must be 0 or 1.
func ReadLabels(path string) ([]LabelRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer file.Close()

	var rows []LabelRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i, row := range rows {
		if row.Label != 0 && row.Label != 1 {
			return nil, fmt.Errorf("%s row %d: label %d is not binary", path, i+2, row.Label)
		}
	}
	return rows, nil
}

// WriteLabels writes rows as an id,label CSV, creating parent directories.
func WriteLabels(path string, rows []LabelRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadIDs reads the id column of a submission template, preserving row order.
func ReadIDs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open submission template: %w", err)
	}
	defer file.Close()

	var rows []idRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	ids := make([]string, 0, len(rows))
	for i, row := range rows {
		id := strings.TrimSpace(row.ID)
		if id == "" {
			return nil, fmt.Errorf("%s row %d: empty id", path, i+2)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
