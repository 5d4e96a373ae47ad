// Package dicomio provides the byte-preserving file I/O contract the
// ingestor and forwarder both depend on: what is written to disk is exactly
// what was received, and what is sent is exactly what is on disk. Neither
// direction re-encodes the data set.
package dicomio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PreambleSize is the length of the DICOM file-meta preamble.
	PreambleSize = 128
	// PrefixSize is the length of the literal "DICM" magic.
	PrefixSize = 4
)

// Prefix is the literal four-byte magic that follows the preamble in a
// conformant DICOM Part 10 file.
var Prefix = []byte("DICM")

// dirMode and fileMode match the storage layout's required permissions:
// parent directories 0750, files 0640.
const (
	dirMode  = 0o750
	fileMode = 0o640
)

// Verify reports whether data looks like a well-formed DICOM stream and
// whether it carries the 128-byte preamble. A DICM prefix at offset 0 (no
// preamble) is accepted as a non-standard but valid encoding, matching what
// real modalities occasionally send. Verify never mutates data and never
// fails closed: callers decide whether to still persist an invalid stream.
func Verify(data []byte) (valid bool, hasPreamble bool, reason string) {
	if len(data) < PreambleSize+PrefixSize {
		if len(data) >= PrefixSize && bytes.Equal(data[:PrefixSize], Prefix) {
			return true, false, ""
		}
		return false, false, fmt.Sprintf("file too short (%d bytes) to contain a preamble or prefix", len(data))
	}
	if bytes.Equal(data[PreambleSize:PreambleSize+PrefixSize], Prefix) {
		return true, true, ""
	}
	if bytes.Equal(data[:PrefixSize], Prefix) {
		return true, false, ""
	}
	return false, true, "DICM prefix not found at offset 0 or 128"
}

// WriteAtomic writes data to path byte-for-byte: create parent directories,
// write to a temporary sibling in the same directory, fsync, then rename
// over the destination. On rename failure the temp file is removed so no
// partial artifact is left behind. The writer never re-encodes, normalizes
// VR, or rewrites group-length elements — it copies the given bytes as-is.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("dicomio: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.dcm")
	if err != nil {
		return fmt.Errorf("dicomio: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dicomio: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dicomio: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dicomio: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dicomio: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dicomio: rename into place: %w", err)
	}
	return nil
}

// Read returns the raw bytes stored at path with no parsing or validation.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dicomio: read %s: %w", path, err)
	}
	return data, nil
}

// StoragePath returns the canonical on-disk location for one instance:
// {root}/{studyInstanceUID}/{sopInstanceUID}.dcm.
func StoragePath(root, studyInstanceUID, sopInstanceUID string) string {
	return filepath.Join(root, studyInstanceUID, sopInstanceUID+".dcm")
}

// ByteEqual compares two files byte-for-byte. On mismatch it reports both
// lengths when they differ, otherwise the index of the first differing
// byte. Used by round-trip tests, not by the
// production send/receive path.
func ByteEqual(pathA, pathB string) (equal bool, reason string, err error) {
	a, err := os.ReadFile(pathA)
	if err != nil {
		return false, "", fmt.Errorf("dicomio: read %s: %w", pathA, err)
	}
	b, err := os.ReadFile(pathB)
	if err != nil {
		return false, "", fmt.Errorf("dicomio: read %s: %w", pathB, err)
	}
	if len(a) != len(b) {
		return false, fmt.Sprintf("length mismatch: %d vs %d", len(a), len(b)), nil
	}
	for i := range a {
		if a[i] != b[i] {
			return false, fmt.Sprintf("first difference at byte %d", i), nil
		}
	}
	return true, "", nil
}
