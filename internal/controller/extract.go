package controller

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/ci-runner/internal/apperr"
)

// extractZip unpacks zipPath into targetDir, rejecting any entry whose
// resolved path would escape targetDir (absolute paths, "../" traversal —
// the "zip slip" vulnerability). Grounded on the pack's archive.UnZip
// (evalgo-org-eve/archive/unzip.go), adapted from panic-on-violation to an
// explicit InvalidInput error since extraction here runs unattended inside
// a reconciliation pass, not an interactive CLI.
func extractZip(zipPath, targetDir string) error {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "open submitted zip", err)
	}
	defer archive.Close()

	cleanTarget := filepath.Clean(targetDir)

	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, "/") || filepath.IsAbs(f.Name) {
			return apperr.New(apperr.InvalidInput, fmt.Sprintf("zip entry has an absolute path: %s", f.Name))
		}

		entryPath := filepath.Join(cleanTarget, f.Name)

		if !strings.HasPrefix(entryPath, cleanTarget+string(os.PathSeparator)) && entryPath != cleanTarget {
			return apperr.New(apperr.InvalidInput, fmt.Sprintf("zip entry escapes target directory: %s", f.Name))
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(entryPath, 0o750); err != nil {
				return apperr.Wrap(apperr.Transient, "create directory from zip", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(entryPath), 0o750); err != nil {
			return apperr.Wrap(apperr.Transient, "create parent directory from zip", err)
		}

		if err := extractEntry(f, entryPath); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dstPath string) error {
	src, err := f.Open()
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "open zip entry", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "create extracted file", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return apperr.Wrap(apperr.Transient, "write extracted file", err)
	}
	return nil
}
