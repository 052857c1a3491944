package fileutil

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const fingerprintPrefix = "blake3:"

// FileFingerprint returns the BLAKE3 digest of a file's contents.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fingerprintPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// TreeFingerprint digests the shape of a directory tree: every relative path
// with its size, in lexical order. Directories named in skip are ignored at
// any depth. File contents are not read, so multi-gigabyte weight files are
// fingerprinted in constant time.
func TreeFingerprint(root string, skip ...string) (string, error) {
	skipped := make(map[string]struct{}, len(skip))
	for _, name := range skip {
		skipped[name] = struct{}{}
	}

	hasher := blake3.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if _, ok := skipped[d.Name()]; ok {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size := int64(0)
		if info.Mode().IsRegular() {
			size = info.Size()
		}
		_, err = fmt.Fprintf(hasher, "%s\x00%s\x00%d\n", filepath.ToSlash(rel), info.Mode().Type(), size)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", root, err)
	}
	return fingerprintPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}
