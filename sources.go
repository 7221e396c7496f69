// Batch sources. A source is a JSON file holding one ImportBatch, as written
// by the report parsers.
//
// Usage:
//
//	paths, _ := FindBatches(fs, []string{"reports/*.json"})
//	for file, err := range Batches(fs, paths) { ... }
package vulnboard

import (
	"encoding/json"
	"io"
	"iter"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var batchExtensions = []string{".json"}

type BatchFile struct {
	Path  string
	Batch *ImportBatch
}

type BatchIterator iter.Seq2[*BatchFile, error]

func DecodeBatch(r io.Reader) (*ImportBatch, error) {
	var batch ImportBatch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, errors.Wrap(err, "failed to decode import batch")
	}
	return &batch, nil
}

// LoadBatch reads one batch file
func LoadBatch(fs afero.Fs, fpath string) (*ImportBatch, error) {
	f, err := fs.Open(fpath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open batch %s", fpath)
	}
	defer f.Close()

	batch, err := DecodeBatch(f)
	if err != nil {
		return nil, errors.Wrapf(err, "batch %s", fpath)
	}
	return batch, nil
}

// Locates batch files. Patterns without glob characters are taken as
// literal paths, so a missing file is reported rather than ignored.
func FindBatches(fs afero.Fs, globs []string) ([]string, error) {
	var paths []string
	withGlob := func(glob string) ([]string, error) {
		if !strings.ContainsAny(glob, "*?[") {
			return []string{glob}, nil
		}

		matches, err := afero.Glob(fs, glob)
		if err != nil {
			return nil, errors.Wrap(err, "invalid glob pattern")
		}

		var gPaths []string
		for _, match := range matches {
			info, err := fs.Stat(match)
			if err != nil || info.IsDir() {
				continue // we cannot stat this, or is a dir
			}
			if !slices.Contains(batchExtensions, strings.ToLower(filepath.Ext(match))) {
				continue
			}
			gPaths = append(gPaths, match)
		}
		slices.Sort(gPaths)
		return gPaths, nil
	}

	for _, glob := range globs {
		gPaths, err := withGlob(glob)
		if err != nil {
			return nil, err
		}
		for _, p := range gPaths {
			if !slices.Contains(paths, p) {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// Batches decodes the files lazily, in order.
func Batches(fs afero.Fs, paths []string) BatchIterator {
	return func(yield func(*BatchFile, error) bool) {
		for _, p := range paths {
			batch, err := LoadBatch(fs, p)
			if !yield(&BatchFile{Path: p, Batch: batch}, err) {
				return
			}
		}
	}
}
