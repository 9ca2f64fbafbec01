package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Compile-time interface checks
var (
	_ Browser = (*RodBrowser)(nil)
	_ Session = (*rodSession)(nil)
	_ Page    = (*rodPage)(nil)
)

// idleWindow is how long the network must stay quiet to count as idle.
const idleWindow = 500 * time.Millisecond

// RodOptions configures browser launch and page defaults.
type RodOptions struct {
	Bin            string // empty lets rod find or download Chromium
	NoSandbox      bool
	ViewportWidth  int
	ViewportHeight int
	Paper          Paper
}

// RodBrowser launches headless Chrome via go-rod.
type RodBrowser struct {
	opts RodOptions
}

func NewRodBrowser(opts RodOptions) *RodBrowser {
	if opts.Paper == (Paper{}) {
		opts.Paper = A4
	}
	return &RodBrowser{opts: opts}
}

// LookPath reports the browser binary that would be used, if one is installed.
func LookPath(bin string) (string, bool) {
	if bin != "" {
		if _, err := os.Stat(bin); err != nil {
			return bin, false
		}
		return bin, true
	}
	return launcher.LookPath()
}

// Launch starts one browser process and connects to it.
func (b *RodBrowser) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := launcher.New().Headless(true)
	if b.opts.Bin != "" {
		l = l.Bin(b.opts.Bin)
	}
	if b.opts.NoSandbox {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserLaunch, err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: %v", ErrBrowserLaunch, err)
	}
	return &rodSession{launcher: l, browser: browser, opts: b.opts}, nil
}

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	opts     RodOptions

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPage opens a tab in a fresh incognito browser context.
func (s *rodSession) NewPage(ctx context.Context) (Page, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	incognito, err := s.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Context(context.Background()).Close()
		return nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.opts.ViewportWidth,
		Height:            s.opts.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = page.Close()
		_ = incognito.Context(context.Background()).Close()
		return nil, fmt.Errorf("%w: viewport: %v", ErrPageCreate, err)
	}

	return &rodPage{session: s, incognito: incognito, page: page}, nil
}

// Close shuts the browser down and kills its process. Later calls are no-ops.
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.browser.Context(context.Background()).Close()
		s.launcher.Kill()
		s.launcher.Cleanup()
	})
	return s.closeErr
}

type rodPage struct {
	session   *rodSession
	incognito *rod.Browser
	page      *rod.Page
	closeOnce sync.Once
}

func (p *rodPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	pg := p.page.Context(ctx).Timeout(timeout)
	defer pg.CancelTimeout()

	wait := pg.WaitRequestIdle(idleWindow, nil, nil, nil)
	if err := pg.Navigate(url); err != nil {
		return p.navigationError(ctx, pg, timeout, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return p.navigationError(ctx, pg, timeout, err)
	}
	wait()

	if pg.GetContext().Err() != nil {
		return p.navigationError(ctx, pg, timeout, pg.GetContext().Err())
	}
	return nil
}

// navigationError separates cancellation, timeout and plain failures.
func (p *rodPage) navigationError(ctx context.Context, pg *rod.Page, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.session.closed.Load() {
		return ErrSessionClosed
	}
	if errors.Is(pg.GetContext().Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrNavigationTimeout, timeout)
	}
	return fmt.Errorf("%w: %v", ErrNavigate, err)
}

const scrollHeightJS = `() => Math.max(
	document.body ? document.body.scrollHeight : 0,
	document.documentElement ? document.documentElement.scrollHeight : 0
)`

func (p *rodPage) ScrollHeight(ctx context.Context) (int, error) {
	res, err := p.page.Context(ctx).Eval(scrollHeightJS)
	if err != nil {
		return 0, fmt.Errorf("%w: scroll height: %v", ErrScript, err)
	}
	return res.Value.Int(), nil
}

func (p *rodPage) ScrollBy(ctx context.Context, dy int) error {
	if _, err := p.page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, dy); err != nil {
		return fmt.Errorf("%w: scroll: %v", ErrScript, err)
	}
	return nil
}

func (p *rodPage) PrintPDF(ctx context.Context, path string) error {
	paper := p.session.opts.Paper
	reader, err := p.page.Context(ctx).PDF(&proto.PagePrintToPDF{
		PaperWidth:      floatPtr(paper.Width),
		PaperHeight:     floatPtr(paper.Height),
		MarginTop:       floatPtr(paper.Margin),
		MarginBottom:    floatPtr(paper.Margin),
		MarginLeft:      floatPtr(paper.Margin),
		MarginRight:     floatPtr(paper.Margin),
		PrintBackground: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return writeStream(path, reader)
}

// writeStream copies a printed PDF to path. A partial file is removed on error.
func writeStream(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: reading PDF stream: %v", ErrCapture, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return nil
}

// Close releases the tab and its browsing context. Errors after the session
// is gone are expected and ignored.
func (p *rodPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.session.closed.Load() {
			return
		}
		if cerr := p.page.Context(context.Background()).Close(); cerr != nil {
			err = cerr
		}
		if cerr := p.incognito.Context(context.Background()).Close(); cerr != nil && err == nil {
			err = cerr
		}
		if p.session.closed.Load() {
			err = nil
		}
	})
	return err
}

func floatPtr(v float64) *float64 {
	return &v
}
