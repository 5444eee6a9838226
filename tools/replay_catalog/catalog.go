// Package replaycatalog indexes recorded sessions by their header documents.
package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wandersync/internal/replay"
)

// Entry pairs a session header with the bundle directory it describes.
type Entry struct {
	HeaderPath string        `json:"header_path"`
	BundleDir  string        `json:"bundle_dir"`
	Manifest   string        `json:"manifest"`
	Header     replay.Header `json:"header"`
}

// List walks root and returns every session header found, ordered by bundle
// directory. Bundle names carry their creation time, so the order is
// chronological per session prefix.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Sessions that are still recording have no header yet and are skipped.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != replay.HeaderFile {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)
		manifest := header.FilePointer
		if !filepath.IsAbs(manifest) {
			manifest = filepath.Join(dir, manifest)
		}
		entries = append(entries, Entry{HeaderPath: path, BundleDir: dir, Manifest: manifest, Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].BundleDir < entries[j].BundleDir
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
