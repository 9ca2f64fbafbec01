package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cy0x6789/LandingPDFSnap/internal/render"
)

// ErrOutputMissing is returned when the browser reported a successful capture
// but no file exists at the target path.
var ErrOutputMissing = errors.New("PDF file missing after capture")

// Options tunes the per-URL capture.
type Options struct {
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ScrollSettleDelay time.Duration
	ScrollStep        int
	ScrollInterval    time.Duration
	MaxScrollSteps    int
	// Now supplies the timestamp embedded in file names. Defaults to time.Now.
	Now func() time.Time
}

// Outcome is the result of capturing one URL.
type Outcome struct {
	URL  string
	File string
	Err  error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Tally folds outcomes into success and failure counts.
func Tally(outcomes []Outcome) (success, failed int) {
	for _, o := range outcomes {
		if o.OK() {
			success++
		} else {
			failed++
		}
	}
	return success, failed
}

// Capture renders rawURL to a PDF inside outDir using a fresh page of sess.
// The page is always closed before Capture returns.
func Capture(ctx context.Context, sess render.Session, rawURL, outDir string, opts Options) Outcome {
	out := Outcome{URL: rawURL}

	page, err := sess.NewPage(ctx)
	if err != nil {
		out.Err = err
		return out
	}
	defer page.Close()

	if err := page.Navigate(ctx, rawURL, opts.NavigationTimeout); err != nil {
		out.Err = err
		return out
	}
	if err := sleep(ctx, opts.SettleDelay); err != nil {
		out.Err = err
		return out
	}
	if err := AutoScroll(ctx, page, opts); err != nil {
		out.Err = err
		return out
	}
	if err := sleep(ctx, opts.ScrollSettleDelay); err != nil {
		out.Err = err
		return out
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	path := uniquePath(filepath.Join(outDir, FileName(rawURL, now())))

	if err := page.PrintPDF(ctx, path); err != nil {
		out.Err = err
		return out
	}
	if _, err := os.Stat(path); err != nil {
		out.Err = fmt.Errorf("%w: %s", ErrOutputMissing, path)
		return out
	}

	out.File = path
	return out
}

// AutoScroll advances the page by opts.ScrollStep every opts.ScrollInterval
// until the scrolled distance reaches the scroll height, re-reading the
// height each step because lazy content can grow the page. MaxScrollSteps
// bounds infinite-scroll pages.
func AutoScroll(ctx context.Context, page render.Page, opts Options) error {
	step := max(opts.ScrollStep, 1)
	limit := max(opts.MaxScrollSteps, 1)

	scrolled := 0
	for range limit {
		height, err := page.ScrollHeight(ctx)
		if err != nil {
			return err
		}
		if scrolled >= height {
			return nil
		}
		if err := page.ScrollBy(ctx, step); err != nil {
			return err
		}
		scrolled += step
		if err := sleep(ctx, opts.ScrollInterval); err != nil {
			return err
		}
	}
	return nil
}

// FileName derives "<host>_<timestamp>.pdf" from a URL. The scheme and a
// leading "www." are dropped; colons and periods in the timestamp become dashes.
func FileName(rawURL string, at time.Time) string {
	host := "page"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.TrimPrefix(u.Hostname(), "www.")
	}
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	return host + "_" + stamp + ".pdf"
}

// uniquePath appends a counter when path already exists.
func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
