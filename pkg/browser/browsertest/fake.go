// Package browsertest provides an in-memory browser driver for tests that
// exercise the pool, the sandbox and the servers without a real browser.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/monkey/pkg/browser"
)

// ErrLaunch is returned by launches that were told to fail.
var ErrLaunch = errors.New("fake launch failure")

// Launcher hands out fake drivers.
type Launcher struct {
	mu       sync.Mutex
	drivers  []*Driver
	failNext int
	closed   bool

	// LaunchDelay simulates browser start-up time.
	LaunchDelay time.Duration

	// Configure, if set, is applied to every new driver.
	Configure func(*Driver)
}

// NewLauncher creates a launcher.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// FailNext makes the next n launches fail with ErrLaunch.
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return nil, ErrLaunch
	}
	d := &Driver{ID: len(l.drivers) + 1, url: "about:blank", alive: true}
	if l.Configure != nil {
		l.Configure(d)
	}
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Closed reports whether Close was called.
func (l *Launcher) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Launched returns the number of successful launches.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.drivers)
}

// Drivers returns every driver launched so far.
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.drivers...)
}

// OpenDrivers counts drivers that have not been closed.
func (l *Launcher) OpenDrivers() int {
	n := 0
	for _, d := range l.Drivers() {
		if !d.Closed() {
			n++
		}
	}
	return n
}

// Driver is a scriptable fake browser page.
type Driver struct {
	ID int

	// Hooks; nil hooks use the default behavior. They are set before the
	// driver is used and never changed afterwards.
	EvaluateFunc func(script string, arg any) (any, error)
	GotoFunc     func(url string) error
	WaitFunc     func(selector string, timeoutMs float64) error
	CloseErr     error

	mu     sync.Mutex
	url    string
	html   string
	alive  bool
	closed bool
	calls  []string
}

func (d *Driver) Goto(url string, timeoutMs float64) error {
	d.note("goto " + url)
	if d.GotoFunc != nil {
		if err := d.GotoFunc(url); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

// Evaluate returns arg unless EvaluateFunc is set.
func (d *Driver) Evaluate(script string, arg any) (any, error) {
	d.note("evaluate")
	if d.EvaluateFunc != nil {
		return d.EvaluateFunc(script, arg)
	}
	return arg, nil
}

func (d *Driver) WaitForSelector(selector string, timeoutMs float64) error {
	d.note("wait " + selector)
	if d.WaitFunc != nil {
		return d.WaitFunc(selector, timeoutMs)
	}
	return nil
}

func (d *Driver) Screenshot() ([]byte, error) {
	d.note("screenshot")
	return []byte("\x89PNG fake"), nil
}

func (d *Driver) Content() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.html, nil
}

func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive && !d.closed
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.alive = false
	return d.CloseErr
}

// SetHTML sets the page content returned by Content.
func (d *Driver) SetHTML(html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.html = html
}

// Kill simulates a browser crash.
func (d *Driver) Kill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive = false
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Calls returns the recorded driver calls.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Driver) note(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}
