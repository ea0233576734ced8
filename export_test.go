package nbd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewExportSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, make([]byte, 12345), 0644); err != nil {
		t.Fatal(err)
	}

	ex, err := NewExport(path, "disk", "a disk", false)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Size() != 12345 {
		t.Errorf("Size() = %d, want 12345", ex.Size())
	}
	if ex.Name() != "disk" || ex.Description() != "a disk" {
		t.Errorf("Name/Description = %q/%q, want disk/a disk", ex.Name(), ex.Description())
	}
	if ex.ReadOnly() {
		t.Error("ReadOnly() = true, want false")
	}
	if ex.IsBlockDevice() {
		t.Error("IsBlockDevice() = true for a regular file")
	}
	if ex.transmissionFlags()&transFlagRotational != 0 {
		t.Error("transmissionFlags() sets NBD_FLAG_ROTATIONAL for a regular file")
	}
}

func TestNewExportMissingFile(t *testing.T) {
	_, err := NewExport(filepath.Join(t.TempDir(), "nope"), "n", "", false)
	if err == nil {
		t.Fatal("NewExport on a missing file: got nil error")
	}
}

func TestBlockSizeConstraints(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.img")
	if err := os.WriteFile(small, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	ex, err := NewExport(small, "small", "", false)
	if err != nil {
		t.Fatal(err)
	}
	min, preferred, max := ex.blockSizeConstraints()
	if min != 1 || preferred != 4096 || max != 100 {
		t.Errorf("blockSizeConstraints() = (%d, %d, %d), want (1, 4096, 100)", min, preferred, max)
	}

	big := filepath.Join(dir, "big.img")
	f, err := os.Create(big)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(1 << 30); err != nil {
		t.Fatal(err)
	}
	f.Close()
	ex, err = NewExport(big, "big", "", false)
	if err != nil {
		t.Fatal(err)
	}
	_, _, max = ex.blockSizeConstraints()
	if max != 32<<20 {
		t.Errorf("blockSizeConstraints() max = %d, want %d", max, 32<<20)
	}
}

func TestTransmissionFlagsReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}

	ro, err := NewExport(path, "ro", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if f := ro.transmissionFlags(); f&transFlagReadOnly == 0 {
		t.Errorf("transmissionFlags() = 0x%x, missing NBD_FLAG_READ_ONLY", f)
	}

	rw, err := NewExport(path, "rw", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if f := rw.transmissionFlags(); f&transFlagReadOnly != 0 {
		t.Errorf("transmissionFlags() = 0x%x, unexpectedly has NBD_FLAG_READ_ONLY", f)
	}
	if f := rw.transmissionFlags(); f&transFlagHasFlags == 0 {
		t.Errorf("transmissionFlags() = 0x%x, missing NBD_FLAG_HAS_FLAGS", f)
	}
}
