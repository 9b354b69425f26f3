package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/arteranos/loader/internal/utils"
)

var (
	ErrUnknownArchive = errors.New("fetch: unknown archive format")
	ErrUnsafeEntry    = errors.New("fetch: archive entry escapes the target")
)

// Extract unpacks a .zip or .tar.gz archive into destDir. With stripRoot set, a
// leading directory shared by every entry is dropped.
func Extract(archivePath, destDir string, stripRoot bool) error {
	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip(archivePath, destDir, stripRoot)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTarGz(archivePath, destDir, stripRoot)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownArchive, filepath.Base(archivePath))
	}
}

func extractZip(archivePath, destDir string, stripRoot bool) error {
	// entry names are checked by entryTarget
	r, err := zip.OpenReader(archivePath)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && r != nil) {
		return fmt.Errorf("zip open %q: %w", archivePath, err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	prefix := ""
	if stripRoot {
		prefix = commonRoot(names)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := entryTarget(destDir, f.Name, prefix)
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("zip open file %q: %w", f.Name, err)
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return fmt.Errorf("zip extract file %q: %w", f.Name, err)
		}
	}
	return nil
}

func extractTarGz(archivePath, destDir string, stripRoot bool) error {
	prefix := ""
	if stripRoot {
		var names []string
		err := walkTarGz(archivePath, func(hdr *tar.Header, _ io.Reader) error {
			names = append(names, hdr.Name)
			return nil
		})
		if err != nil {
			return err
		}
		prefix = commonRoot(names)
	}

	return walkTarGz(archivePath, func(hdr *tar.Header, r io.Reader) error {
		target, err := entryTarget(destDir, hdr.Name, prefix)
		if err != nil {
			return err
		}
		if err := writeEntry(target, r, hdr.FileInfo().Mode()); err != nil {
			return fmt.Errorf("tar extract file %q: %w", hdr.Name, err)
		}
		return nil
	})
}

// walkTarGz calls fn for every regular file in the archive.
func walkTarGz(archivePath string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("tar open %q: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip open %q: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read %q: %w", archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// commonRoot returns "dir/" when every name lives below the same top-level
// directory, else "".
func commonRoot(names []string) string {
	root := ""
	for _, n := range names {
		n = strings.TrimPrefix(path.Clean(filepath.ToSlash(n)), "./")
		first, _, found := strings.Cut(n, "/")
		if !found {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

func entryTarget(destDir, name, prefix string) (string, error) {
	rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(name)), "./")
	rel = strings.TrimPrefix(rel, prefix)
	if rel == "" || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return filepath.Join(destDir, filepath.FromSlash(rel)), nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := utils.EnsureParent(target); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
