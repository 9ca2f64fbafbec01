// Package rendertest provides an in-memory render.Browser for tests that
// must not start Chrome.
package rendertest

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cy0x6789/LandingPDFSnap/internal/render"
)

// Behavior scripts what a page does for one URL.
type Behavior struct {
	NavigateErr error
	// Block makes Navigate wait until the context ends or the session closes.
	Block bool
	// Height is the scroll height reported by the page. Growth is added to it
	// after every scroll step, up to GrowthLimit.
	Height      int
	Growth      int
	GrowthLimit int
	PrintErr    error
	// SkipWrite reports a successful print without creating the file.
	SkipWrite bool
}

// Browser is a scriptable render.Browser.
type Browser struct {
	LaunchErr error
	Default   Behavior
	URLs      map[string]Behavior
	// OnNavigate, if set, is called when a page starts navigating.
	OnNavigate func(url string)

	mu        sync.Mutex
	sessions  []*Session
	openPages atomic.Int32
	navigated []string
}

var _ render.Browser = (*Browser)(nil)

func (b *Browser) Launch(ctx context.Context) (render.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	s := &Session{browser: b, done: make(chan struct{})}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

// Sessions returns every session launched so far.
func (b *Browser) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// OpenPages is the number of pages created and not yet closed.
func (b *Browser) OpenPages() int { return int(b.openPages.Load()) }

// Navigated lists URLs in the order navigation started.
func (b *Browser) Navigated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigated...)
}

func (b *Browser) behavior(url string) Behavior {
	if bh, ok := b.URLs[url]; ok {
		return bh
	}
	return b.Default
}

// Session is a fake browser instance.
type Session struct {
	browser    *Browser
	done       chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func (s *Session) NewPage(ctx context.Context) (render.Page, error) {
	if s.Closed() {
		return nil, render.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.browser.openPages.Add(1)
	return &Page{session: s}, nil
}

func (s *Session) Close() error {
	s.closeCalls.Add(1)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCalls counts Close invocations, including repeated ones.
func (s *Session) CloseCalls() int { return int(s.closeCalls.Load()) }

// Page is a fake tab.
type Page struct {
	session  *Session
	behavior Behavior
	height   int
	grown    int
	closed   atomic.Bool
}

func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	b := p.session.browser
	p.behavior = b.behavior(url)
	p.height = p.behavior.Height

	b.mu.Lock()
	b.navigated = append(b.navigated, url)
	b.mu.Unlock()
	if b.OnNavigate != nil {
		b.OnNavigate(url)
	}

	if p.behavior.Block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.session.done:
			return render.ErrSessionClosed
		}
	}
	if p.session.Closed() {
		return render.ErrSessionClosed
	}
	return p.behavior.NavigateErr
}

func (p *Page) ScrollHeight(ctx context.Context) (int, error) {
	if p.session.Closed() {
		return 0, render.ErrSessionClosed
	}
	return p.height, ctx.Err()
}

func (p *Page) ScrollBy(ctx context.Context, dy int) error {
	if p.session.Closed() {
		return render.ErrSessionClosed
	}
	if p.behavior.Growth > 0 && (p.behavior.GrowthLimit == 0 || p.grown < p.behavior.GrowthLimit) {
		p.height += p.behavior.Growth
		p.grown += p.behavior.Growth
	}
	return ctx.Err()
}

func (p *Page) PrintPDF(ctx context.Context, path string) error {
	if p.session.Closed() {
		return render.ErrSessionClosed
	}
	if p.behavior.PrintErr != nil {
		return p.behavior.PrintErr
	}
	if p.behavior.SkipWrite {
		return nil
	}
	return os.WriteFile(path, []byte("%PDF-1.4\n%fake\n"), 0o644)
}

func (p *Page) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.session.browser.openPages.Add(-1)
	}
	return nil
}
