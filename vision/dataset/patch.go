package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
)

// PatchDataset is a labeled set of tissue patches: one image per id under a root
// directory, with a binary label (1 = tumor tissue present).
type PatchDataset struct {
	root string
	rows []LabelRow
}

// NewPatchDataset creates a dataset over rows whose images live in root.
func NewPatchDataset(root string, rows []LabelRow) *PatchDataset {
	return &PatchDataset{root: root, rows: rows}
}

// LoadPatchDataset reads an id,label CSV and binds it to the image root.
func LoadPatchDataset(root, labelsCSV string) (*PatchDataset, error) {
	rows, err := ReadLabels(labelsCSV)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no samples in %s", labelsCSV)
	}
	return NewPatchDataset(root, rows), nil
}

// Len returns the number of items in the dataset
func (d *PatchDataset) Len() int {
	return len(d.rows)
}

// GetItem returns the image path and label at the given index
func (d *PatchDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.rows) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.rows))
	}
	row := d.rows[index]
	path, err := FindImage(d.root, row.ID)
	if err != nil {
		return "", 0, err
	}
	return path, row.Label, nil
}

// ID returns the sample id at the given index
func (d *PatchDataset) ID(index int) string {
	return d.rows[index].ID
}

// Rows returns the underlying rows.
func (d *PatchDataset) Rows() []LabelRow {
	return d.rows
}

// ClassDistribution returns the number of negative and positive samples
func (d *PatchDataset) ClassDistribution() (negative, positive int) {
	for _, row := range d.rows {
		if row.Label == 1 {
			positive++
		} else {
			negative++
		}
	}
	return negative, positive
}

// Subset creates a subset of the dataset with the specified indices
func (d *PatchDataset) Subset(indices []int) *PatchDataset {
	rows := make([]LabelRow, len(indices))
	for i, idx := range indices {
		rows[i] = d.rows[idx]
	}
	return &PatchDataset{root: d.root, rows: rows}
}

// Split partitions rows into train and validation sets, keeping the class ratio of
// both sets close to the full set. The same seed always gives the same split.
func Split(rows []LabelRow, valRatio float64, seed int64) (train, val []LabelRow, err error) {
	if valRatio <= 0 || valRatio >= 1 {
		return nil, nil, fmt.Errorf("validation ratio must be in (0, 1), got %v", valRatio)
	}

	rng := rand.New(rand.NewSource(seed))
	byClass := [2][]LabelRow{}
	for _, row := range rows {
		if row.Label != 0 && row.Label != 1 {
			return nil, nil, fmt.Errorf("sample %s: label %d is not binary", row.ID, row.Label)
		}
		byClass[row.Label] = append(byClass[row.Label], row)
	}

	for _, class := range byClass {
		shuffled := append([]LabelRow(nil), class...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		nVal := int(float64(len(shuffled))*valRatio + 0.5)
		val = append(val, shuffled[:nVal]...)
		train = append(train, shuffled[nVal:]...)
	}

	// interleave classes again
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(val), func(i, j int) { val[i], val[j] = val[j], val[i] })

	return train, val, nil
}

// SplitFiles returns the train and validation CSV locations under dir.
func SplitFiles(dir string) (train, val string) {
	return filepath.Join(dir, "train.csv"), filepath.Join(dir, "val.csv")
}

// WriteSplits writes train.csv and val.csv under dir.
func WriteSplits(dir string, train, val []LabelRow) error {
	trainPath, valPath := SplitFiles(dir)
	if err := WriteLabels(trainPath, train); err != nil {
		return err
	}
	return WriteLabels(valPath, val)
}

// LoadSplits binds the split files under splitsDir to the image root.
func LoadSplits(imageRoot, splitsDir string) (train, val *PatchDataset, err error) {
	trainPath, valPath := SplitFiles(splitsDir)
	if train, err = LoadPatchDataset(imageRoot, trainPath); err != nil {
		return nil, nil, err
	}
	if val, err = LoadPatchDataset(imageRoot, valPath); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// String returns a string representation of the dataset
func (d *PatchDataset) String() string {
	var sb strings.Builder
	negative, positive := d.ClassDistribution()
	sb.WriteString(fmt.Sprintf("PatchDataset: %d samples in %s\n", len(d.rows), d.root))
	sb.WriteString(fmt.Sprintf("  healthy: %d samples\n", negative))
	sb.WriteString(fmt.Sprintf("  cancer: %d samples\n", positive))
	return sb.String()
}

// TestDataset is the unlabeled test set: ids in submission order under one image root.
type TestDataset struct {
	root string
	ids  []string
}

// NewTestDataset creates the test set from ordered ids
func NewTestDataset(root string, ids []string) *TestDataset {
	return &TestDataset{root: root, ids: ids}
}

// Len returns the number of items in the dataset
func (d *TestDataset) Len() int {
	return len(d.ids)
}

// GetItem resolves the image of the given index. The label is always 0.
func (d *TestDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.ids) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.ids))
	}
	path, err := FindImage(d.root, d.ids[index])
	return path, 0, err
}

// ID returns the sample id at the given index
func (d *TestDataset) ID(index int) string {
	return d.ids[index]
}
