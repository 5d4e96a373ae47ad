package dicomio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func sampleDICOM(withPreamble bool) []byte {
	var buf bytes.Buffer
	if withPreamble {
		buf.Write(make([]byte, PreambleSize))
	}
	buf.Write(Prefix)
	buf.WriteString("synthetic data set body for round-trip testing")
	return buf.Bytes()
}

func TestWriteAtomicReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.2.840", "1.2.3.4.dcm")
	data := sampleDICOM(true)

	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: wrote %d bytes, read %d bytes", len(data), len(got))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Errorf("unexpected leftover entry in study directory: %s", e.Name())
		}
	}
}

func TestByteEqual(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.dcm")
	pathB := filepath.Join(dir, "b.dcm")
	data := sampleDICOM(true)

	if err := WriteAtomic(pathA, data); err != nil {
		t.Fatalf("WriteAtomic a: %v", err)
	}
	if err := WriteAtomic(pathB, data); err != nil {
		t.Fatalf("WriteAtomic b: %v", err)
	}

	equal, reason, err := ByteEqual(pathA, pathB)
	if err != nil {
		t.Fatalf("ByteEqual: %v", err)
	}
	if !equal {
		t.Fatalf("expected byte-identical files, got mismatch: %s", reason)
	}

	if err := WriteAtomic(pathB, append(append([]byte{}, data...), '!')); err != nil {
		t.Fatalf("WriteAtomic b (modified): %v", err)
	}
	equal, reason, err = ByteEqual(pathA, pathB)
	if err != nil {
		t.Fatalf("ByteEqual: %v", err)
	}
	if equal {
		t.Fatalf("expected mismatch to be detected, got equal")
	}
	if reason == "" {
		t.Errorf("expected a non-empty mismatch reason")
	}
}

func TestVerify(t *testing.T) {
	cases := []struct {
		name            string
		data            []byte
		wantValid       bool
		wantHasPreamble bool
	}{
		{name: "with preamble", data: sampleDICOM(true), wantValid: true, wantHasPreamble: true},
		{name: "no preamble", data: sampleDICOM(false), wantValid: true, wantHasPreamble: false},
		{name: "too short", data: []byte("x"), wantValid: false, wantHasPreamble: false},
		{name: "garbage", data: bytes.Repeat([]byte{0xFF}, 200), wantValid: false, wantHasPreamble: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, hasPreamble, reason := Verify(tc.data)
			if valid != tc.wantValid {
				t.Errorf("valid = %v, want %v (reason=%q)", valid, tc.wantValid, reason)
			}
			if valid && hasPreamble != tc.wantHasPreamble {
				t.Errorf("hasPreamble = %v, want %v", hasPreamble, tc.wantHasPreamble)
			}
		})
	}
}

func TestStoragePath(t *testing.T) {
	got := StoragePath("/data/studies", "1.2.3", "1.2.3.4")
	want := filepath.Join("/data/studies", "1.2.3", "1.2.3.4.dcm")
	if got != want {
		t.Errorf("StoragePath = %q, want %q", got, want)
	}
}
