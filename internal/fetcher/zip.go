package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractZIP unpacks every file in the archive under destDir, creating
// directories as needed, and returns the written paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	ar, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrapf(err, "read archive %s", filepath.Base(zipPath))
	}
	defer ar.Close() //nolint:errcheck

	var written []string
	for _, entry := range ar.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		path, err := unpack(entry, destDir)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// ExtractZIPSingle unpacks an archive expected to hold exactly one file and
// returns its path. Compressed feed drops ship one batch per archive.
func ExtractZIPSingle(zipPath, destDir string) (string, error) {
	ar, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrapf(err, "read archive %s", filepath.Base(zipPath))
	}
	defer ar.Close() //nolint:errcheck

	var files []*zip.File
	for _, entry := range ar.File {
		if !entry.FileInfo().IsDir() {
			files = append(files, entry)
		}
	}
	if len(files) != 1 {
		return "", eris.Errorf("archive %s holds %d files, wanted one", filepath.Base(zipPath), len(files))
	}
	return unpack(files[0], destDir)
}

// unpack writes one archive entry under destDir, refusing names that climb
// out of it.
func unpack(entry *zip.File, destDir string) (string, error) {
	dest := filepath.Join(destDir, entry.Name)
	rel, err := filepath.Rel(destDir, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", eris.Errorf("entry %q escapes the destination", entry.Name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", eris.Wrap(err, "create entry directory")
	}

	src, err := entry.Open()
	if err != nil {
		return "", eris.Wrapf(err, "open entry %s", entry.Name)
	}
	defer src.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrapf(err, "create %s", dest)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return "", eris.Wrapf(err, "write %s", dest)
	}
	return dest, out.Close()
}
