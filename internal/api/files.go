package api

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cy0x6789/LandingPDFSnap/internal/files"
)

// BrowseFiles handles GET /api/v1/files?path= and lists a directory under the
// browse root.
func (h *Handler) BrowseFiles(w http.ResponseWriter, r *http.Request) {
	dir, err := files.Resolve(h.cfg.BrowseRoot, r.URL.Query().Get("path"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	entries, err := files.Browse(dir)
	if err != nil {
		writeFileError(w, err)
		return
	}

	resp := map[string]any{"path": dir, "entries": entries}
	if root, _ := files.Resolve(h.cfg.BrowseRoot, ""); dir != root {
		resp["parent"] = filepath.Dir(dir)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ViewFile handles GET /api/v1/files/view?path= and serves the file inline.
func (h *Handler) ViewFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, "inline")
}

// DownloadFile handles GET /api/v1/files/download?path= and serves the file
// as an attachment.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, "attachment")
}

// DeleteFile handles DELETE /api/v1/files?path= and responds 204.
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, err := files.Resolve(h.cfg.BrowseRoot, r.URL.Query().Get("path"))
	if err != nil {
		writeFileError(w, err)
		return
	}
	if err := files.Remove(p); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, disposition string) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	p, err := files.Resolve(h.cfg.BrowseRoot, raw)
	if err != nil {
		writeFileError(w, err)
		return
	}

	f, err := os.Open(p)
	if err != nil {
		writeFileError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeFileError(w, err)
		return
	}
	if info.IsDir() {
		writeFileError(w, fmt.Errorf("%w: %s", files.ErrIsDir, p))
		return
	}

	w.Header().Set("Content-Type", files.ContentType(info.Name()))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": info.Name()}))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrOutsideRoot):
		writeError(w, http.StatusForbidden, "path outside browse root")
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, files.ErrNotDir), errors.Is(err, files.ErrIsDir):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "file operation failed")
	}
}
