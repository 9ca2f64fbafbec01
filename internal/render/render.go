// Package render drives a headless browser: one Session per job, one isolated
// Page (own cookie/storage/viewport scope) per URL.
package render

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for browser operations.
var (
	ErrBrowserLaunch     = errors.New("failed to launch browser")
	ErrSessionClosed     = errors.New("browser session closed")
	ErrPageCreate        = errors.New("failed to create browser page")
	ErrNavigate          = errors.New("navigation failed")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrScript            = errors.New("page script failed")
	ErrCapture           = errors.New("PDF capture failed")
)

// Browser launches sessions.
type Browser interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one running browser instance shared by all URLs of a job.
// Close must be idempotent and safe to call concurrently with page operations.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a tab inside its own browsing context. Close releases both.
type Page interface {
	// Navigate loads url and waits for network idle, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	ScrollHeight(ctx context.Context) (int, error)
	ScrollBy(ctx context.Context, dy int) error
	// PrintPDF writes the paginated document to path.
	PrintPDF(ctx context.Context, path string) error
	Close() error
}

// Paper holds page size and margins in inches.
type Paper struct {
	Width, Height float64
	Margin        float64
}

// A4 with 0.4in (~1cm) margins.
var A4 = Paper{Width: 8.27, Height: 11.69, Margin: 0.4}
