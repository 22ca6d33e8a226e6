package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// URLPolicy restricts which URLs a tool may navigate to.
type URLPolicy struct {
	patterns []glob.Glob
	raw      []string
}

// NewURLPolicy compiles allow-list glob patterns such as
// "https://*.example.com/*". An empty list allows everything.
func NewURLPolicy(patterns []string) (*URLPolicy, error) {
	p := &URLPolicy{raw: append([]string(nil), patterns...)}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid URL pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// Allows reports whether u may be visited.
func (p *URLPolicy) Allows(u string) bool {
	if p == nil || len(p.patterns) == 0 {
		return true
	}
	for _, g := range p.patterns {
		if g.Match(u) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (p *URLPolicy) Patterns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.raw...)
}

// NormalizeURL trims the input and adds https:// when no scheme is given.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url cannot be empty")
	}
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "about:") && !strings.HasPrefix(raw, "data:") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return u.String(), nil
}

// Handle is the automation capability given to one tool execution. It is
// bound to a single leased session and is revoked with Detach when the
// execution ends.
//
// Every primitive returns as soon as ctx is done, even if the browser call
// is still running; the sandbox then discards the session.
type Handle struct {
	session *Session
	driver  Driver
	policy  *URLPolicy

	mu    sync.Mutex
	trace []TraceEntry

	detached atomic.Bool
	lost     atomic.Bool
}

// NewHandle binds a handle to a leased session.
func NewHandle(s *Session, policy *URLPolicy) *Handle {
	return &Handle{session: s, driver: s.driver, policy: policy}
}

// SessionID returns the id of the bound session.
func (h *Handle) SessionID() string {
	return h.session.ID
}

// Navigate loads url in the page and returns the resulting page URL.
func (h *Handle) Navigate(ctx context.Context, rawURL string) (string, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		h.record("navigate", rawURL, 0, err)
		return "", err
	}
	if !h.policy.Allows(target) {
		err := fmt.Errorf("%w: %s", ErrNavigationBlocked, target)
		h.record("navigate", target, 0, err)
		return "", err
	}

	var current string
	err = h.do(ctx, "navigate", target, func() error {
		if err := h.driver.Goto(target, 0); err != nil {
			return err
		}
		current = h.driver.URL()
		return nil
	})
	if err != nil {
		return "", err
	}
	return current, nil
}

// EvaluateScript runs a script in the page and returns its value. When the
// script is a function expression, arg is passed to it.
func (h *Handle) EvaluateScript(ctx context.Context, code string, arg any) (any, error) {
	var result any
	err := h.do(ctx, "evaluate", summarize(code), func() error {
		v, err := h.driver.Evaluate(code, arg)
		result = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WaitFor blocks until selector is attached to the DOM. A non-positive
// timeout uses DefaultWaitForTimeout.
func (h *Handle) WaitFor(ctx context.Context, selector string, timeoutMs int) error {
	if strings.TrimSpace(selector) == "" {
		err := errors.New("selector is required for wait")
		h.record("wait_for", selector, 0, err)
		return err
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultWaitForTimeout
	}
	return h.do(ctx, "wait_for", selector, func() error {
		return h.driver.WaitForSelector(selector, float64(timeoutMs))
	})
}

// Screenshot captures the viewport as PNG.
func (h *Handle) Screenshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := h.do(ctx, "screenshot", "", func() error {
		b, err := h.driver.Screenshot()
		data = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Text returns the readable text of the current page.
func (h *Handle) Text(ctx context.Context) (string, error) {
	var content string
	err := h.do(ctx, "page_text", "", func() error {
		c, err := h.driver.Content()
		content = c
		return err
	})
	if err != nil {
		return "", err
	}
	return extractText(content)
}

// Trace returns a copy of the calls made so far.
func (h *Handle) Trace() []TraceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TraceEntry(nil), h.trace...)
}

// Detach revokes the handle. Later calls fail with ErrHandleDetached.
func (h *Handle) Detach() {
	h.detached.Store(true)
}

// Lost reports whether a call observed the browser going away.
func (h *Handle) Lost() bool {
	return h.lost.Load()
}

func (h *Handle) do(ctx context.Context, op, target string, fn func() error) error {
	if h.detached.Load() {
		return ErrHandleDetached
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("browser driver panic: %v", r)
			}
		}()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil && ctx.Err() == nil && !h.driver.Alive() {
		h.lost.Store(true)
		err = fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	h.record(op, target, time.Since(start), err)
	return err
}

func (h *Handle) record(op, target string, d time.Duration, err error) {
	entry := TraceEntry{Op: op, Target: target, Duration: d}
	if err != nil {
		entry.Error = err.Error()
	}
	h.mu.Lock()
	h.trace = append(h.trace, entry)
	h.mu.Unlock()
}

func summarize(code string) string {
	code = strings.Join(strings.Fields(code), " ")
	if len(code) > 80 {
		return code[:77] + "..."
	}
	return code
}
