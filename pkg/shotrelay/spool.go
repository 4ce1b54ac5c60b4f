package shotrelay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	pendingDirName = "pending"
	unsentDirName  = "unsent"
)

// SpoolDir is where artifacts waiting for dest are kept.
func SpoolDir(root string, dest string) string {
	return filepath.Join(root, dest, pendingDirName)
}

// UnsentDir is the default quarantine directory for dest.
func UnsentDir(root string, dest string) string {
	return filepath.Join(root, dest, unsentDirName)
}

// place puts a copy of src at dst, hard-linking when the filesystem allows.
// An existing dst is left alone: it is the same capture from an earlier,
// interrupted submit.
func place(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
