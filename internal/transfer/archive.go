package transfer

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/imaging"
)

const finderMetadata = ".DS_Store"

// ArchiveName returns the outbox file name for a study closed at t.
func ArchiveName(studyUID string, t time.Time) string {
	return fmt.Sprintf("%s_%s.zip", t.Format("20060102150405"), fileutil.SanitizeName(studyUID, "study_unknown"))
}

// BundleFiles returns the stored file of every instance in the bundle. The
// study directory may hold files of a later bundle for the same study, so
// only these paths belong to this delivery.
func BundleFiles(bundle imaging.Bundle) []string {
	files := make([]string, 0, len(bundle.Instances))
	seen := make(map[string]struct{}, len(bundle.Instances))
	for _, inst := range bundle.Instances {
		if inst.Path == "" {
			continue
		}
		if _, dup := seen[inst.Path]; dup {
			continue
		}
		seen[inst.Path] = struct{}{}
		files = append(files, inst.Path)
	}
	return files
}

// ZipFiles writes files into a deflated archive at dest, named by their path
// relative to root. The archive appears atomically. Every file must exist;
// a missing one fails the whole archive.
func ZipFiles(root string, files []string, dest string) (int, error) {
	if len(files) == 0 {
		return 0, errors.New("bundle has no stored files")
	}
	err := fileutil.WriteStreamAtomic(dest, 0o644, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, path := range files {
			if err := addFile(zw, path, entryName(root, path)); err != nil {
				_ = zw.Close()
				return fmt.Errorf("zip %s: %w", path, err)
			}
		}
		return zw.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// entryName is path relative to root, or its base name when path lies
// outside root.
func entryName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// removeFiles deletes files, then prunes the directories under root that
// became empty. Directories still holding a later bundle's files stay.
func removeFiles(root string, files []string) error {
	var errs []error
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	pruneEmpty(root, files)
	return errors.Join(errs...)
}

// moveFiles relocates files below destRoot, keeping their layout relative
// to root, and prunes emptied directories under root.
func moveFiles(root string, files []string, destRoot string) error {
	var errs []error
	for _, path := range files {
		if !fileutil.Exists(path) {
			continue
		}
		dest := filepath.Join(destRoot, filepath.FromSlash(entryName(root, path)))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fileutil.MoveFile(path, dest); err != nil {
			errs = append(errs, err)
		}
	}
	pruneEmpty(root, files)
	return errors.Join(errs...)
}

// pruneEmpty removes the parent directories of files, deepest first, up to
// and including root, stopping at the first one that is not empty. Finder
// metadata does not count as content.
func pruneEmpty(root string, files []string) {
	root = filepath.Clean(root)
	for _, path := range files {
		dir := filepath.Dir(path)
		for {
			if rel, err := filepath.Rel(root, dir); err != nil || strings.HasPrefix(rel, "..") {
				break
			}
			_ = os.Remove(filepath.Join(dir, finderMetadata))
			if os.Remove(dir) != nil || dir == root {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}
