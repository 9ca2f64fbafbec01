package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writePDF writes a minimal, structurally valid PDF with the given page count.
func writePDF(t *testing.T, path string, pages int) {
	t.Helper()
	var objs []string
	kids := make([]string, pages)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages),
	)
	for range pages {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] >>")
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPageCount(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "three.pdf")
	writePDF(t, p, 3)

	n, err := PageCount(p)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Errorf("PageCount = %d, want 3", n)
	}
}

func TestPageCount_Malformed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.pdf")
	os.WriteFile(p, []byte("%PDF-1.4\nnot really\n"), 0o644)

	if _, err := PageCount(p); err == nil {
		t.Error("expected error for malformed PDF")
	}
}

func TestListPDFs(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "b.example_1.pdf"), 1)
	writePDF(t, filepath.Join(dir, "a.example_2.pdf"), 2)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub.pdf"), 0o755)

	// Order by creation time, not name.
	old := time.Now().Add(-time.Hour)
	os.Chtimes(filepath.Join(dir, "b.example_1.pdf"), old, old)

	got, err := ListPDFs(dir)
	if err != nil {
		t.Fatalf("ListPDFs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Name != "b.example_1.pdf" || got[1].Name != "a.example_2.pdf" {
		t.Errorf("order = %s, %s", got[0].Name, got[1].Name)
	}
	if got[1].Pages != 2 {
		t.Errorf("pages = %d, want 2", got[1].Pages)
	}
	if !strings.HasPrefix(got[0].ViewURL, "/api/v1/files/view?path=") ||
		!strings.HasPrefix(got[0].DownloadURL, "/api/v1/files/download?path=") {
		t.Errorf("urls = %q %q", got[0].ViewURL, got[0].DownloadURL)
	}
}

func TestListPDFs_MissingDir(t *testing.T) {
	got, err := ListPDFs(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ListPDFs: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
}

func TestBrowse_DirsFirst(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "z"), 0o755)

	got, err := Browse(dir)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(got) != 2 || got[0].Name != "z" || !got[0].IsDir || got[1].Name != "a.txt" {
		t.Errorf("Browse = %+v", got)
	}
	if got[0].ViewURL != "" {
		t.Error("directories must not carry view links")
	}
}

func TestBrowse_NotDir(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	os.WriteFile(p, nil, 0o644)
	if _, err := Browse(p); !errors.Is(err, ErrNotDir) {
		t.Errorf("err = %v, want ErrNotDir", err)
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"empty is root", "", root, false},
		{"relative", "out/a.pdf", filepath.Join(root, "out", "a.pdf"), false},
		{"absolute inside", filepath.Join(root, "x"), filepath.Join(root, "x"), false},
		{"dotdot escape", "../etc/passwd", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"sneaky clean", "out/../../x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(root, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Errorf("err = %v, want ErrOutsideRoot", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(root, "inner"), 0o755)

	links := map[string]string{
		"escape":   outside,
		"alias":    filepath.Join(root, "inner"),
		"dangling": filepath.Join(outside, "gone"),
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file behind escaping link", "escape/secret.txt", true},
		{"escaping link itself", "escape", true},
		{"new file behind escaping link", "escape/new/a.pdf", true},
		{"dangling link", "dangling/a.pdf", true},
		{"link staying inside", "alias/a.pdf", false},
		{"nested path not created yet", "out/2024/a.pdf", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(root, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Errorf("Resolve = %q, %v; want ErrOutsideRoot", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if want := filepath.Join(root, tt.path); got != want {
				t.Errorf("Resolve = %q, want %q", got, want)
			}
		})
	}

	if InRoot(root, "escape/secret.txt") || !InRoot(root, "inner") {
		t.Error("InRoot disagrees with Resolve")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.pdf":   "application/pdf",
		"A.PDF":   "application/pdf",
		"x.png":   "image/png",
		"noext":   "application/octet-stream",
		"x.weird": "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.pdf")
	os.WriteFile(p, nil, 0o644)

	if err := Remove(dir); !errors.Is(err, ErrIsDir) {
		t.Errorf("Remove(dir) = %v, want ErrIsDir", err)
	}
	if err := Remove(p); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
		t.Error("file still exists")
	}
}
