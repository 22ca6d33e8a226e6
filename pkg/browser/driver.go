package browser

import "context"

// Launcher starts browser processes for the pool.
type Launcher interface {
	// Launch starts one browser with a single page ready for use.
	Launch(ctx context.Context) (Driver, error)

	// Close stops the driver runtime after every session is gone.
	Close() error
}

// Driver is one browser process and its page. Implementations need not be
// safe for concurrent use: a leased session is used by one execution at a time.
//
// Timeouts are in milliseconds. Calls do not take a context because the
// underlying driver is synchronous; Handle enforces cancellation around them.
type Driver interface {
	Goto(url string, timeoutMs float64) error
	Evaluate(script string, arg any) (any, error)
	WaitForSelector(selector string, timeoutMs float64) error
	Screenshot() ([]byte, error)
	Content() (string, error)
	URL() string

	// Alive reports whether the browser process and page are still usable.
	Alive() bool

	Close() error
}
