// Package transfer provides the filesystem collaborators of a transfer:
// opening the input file, creating the prefixed output file and listing
// candidate files for the interactive prompt.
package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ReceivedPrefix is prepended to the name of every received file.
const ReceivedPrefix = "received_"

// ListFiles returns the names of the regular files in dir, sorted. It is
// used to show the sender's choices before the file name prompt.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// OpenInput opens name read-only and returns the handle and its size.
func OpenInput(name string) (*os.File, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, fmt.Errorf("open %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %q: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%q is a directory", name)
	}
	return f, info.Size(), nil
}

// ReceivedName maps a transmitted file name to the local output name. Any
// directory components a peer smuggles into the name are stripped, and the
// received prefix is applied.
func ReceivedName(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "file"
	}
	return ReceivedPrefix + base
}

// CreateOutput creates the output file for a transmitted name in dir,
// overwriting any previous file of the same name.
func CreateOutput(dir, name string) (io.WriteCloser, error) {
	path := filepath.Join(dir, ReceivedName(name))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", path, err)
	}
	return f, nil
}
