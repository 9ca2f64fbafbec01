package main

import (
	"log/slog"

	"github.com/cy0x6789/LandingPDFSnap/internal/render"
)

// preflight reports whether a browser binary is available. It never fails:
// without one, rod downloads Chromium on the first job, which makes that job
// slow rather than broken.
func preflight(bin string) {
	path, ok := render.LookPath(bin)
	switch {
	case ok:
		slog.Info("preflight: browser found", "path", path)
	case bin != "":
		slog.Warn("preflight: configured browser binary not found, jobs will fail to launch", "path", bin)
	default:
		slog.Warn("preflight: no local Chrome/Chromium found, it will be downloaded on first use")
	}
}
