// Package files exposes generated PDFs and a confined directory browser.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

var (
	ErrOutsideRoot = errors.New("path outside browse root")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
)

const (
	viewRoute     = "/api/v1/files/view"
	downloadRoute = "/api/v1/files/download"
)

// Entry describes one file or directory.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDir       bool      `json:"isDir"`
	Size        int64     `json:"size"`
	Pages       int       `json:"pages,omitempty"`
	ModTime     time.Time `json:"modTime"`
	ViewURL     string    `json:"viewUrl,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
}

// ListPDFs returns the PDFs in dir, oldest first. A missing directory yields
// an empty list.
func ListPDFs(dir string) ([]Entry, error) {
	entries, err := Browse(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	pdfs := []Entry{}
	for _, e := range entries {
		if e.IsDir || !strings.EqualFold(filepath.Ext(e.Name), ".pdf") {
			continue
		}
		if n, err := PageCount(e.Path); err == nil {
			e.Pages = n
		}
		pdfs = append(pdfs, e)
	}
	slices.SortStableFunc(pdfs, func(a, b Entry) int { return a.ModTime.Compare(b.ModTime) })
	return pdfs, nil
}

// Browse lists dir with directories first, then files, each sorted by name.
func Browse(dir string) ([]Entry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, dir)
	}

	des, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		p := filepath.Join(abs, de.Name())
		e := Entry{
			Name:    de.Name(),
			Path:    p,
			IsDir:   de.IsDir(),
			ModTime: fi.ModTime().UTC(),
		}
		if !e.IsDir {
			e.Size = fi.Size()
			e.ViewURL = viewRoute + "?path=" + url.QueryEscape(p)
			e.DownloadURL = downloadRoute + "?path=" + url.QueryEscape(p)
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Resolve turns p (absolute, or relative to root) into an absolute path and
// rejects anything that escapes root, lexically or through a symlink.
func Resolve(root, p string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if p == "" {
		return absRoot, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(absRoot, p)
	}
	p = filepath.Clean(p)
	if !within(absRoot, p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}

	realRoot, err := realPath(absRoot)
	if err != nil {
		return "", err
	}
	realP, err := realPath(p)
	if err != nil {
		return "", err
	}
	if !within(realRoot, realP) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrOutsideRoot, p, realP)
	}
	return p, nil
}

// InRoot reports whether p resolves inside root.
func InRoot(root, p string) bool {
	_, err := Resolve(root, p)
	return err == nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath evaluates symlinks in the longest existing prefix of p, so paths
// that do not exist yet are judged by their nearest existing parent.
func realPath(p string) (string, error) {
	rest := ""
	for cur := p; ; {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// Writes through a dangling link land wherever it points.
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: dangling symlink %s", ErrOutsideRoot, cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// ContentType infers a MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// PageCount reads the number of pages of a PDF.
func PageCount(path string) (n int, err error) {
	// The parser panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}

// Remove deletes a regular file.
func Remove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	return os.Remove(path)
}
