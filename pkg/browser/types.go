package browser

import (
	"errors"
	"time"
)

// Default values for pool and session configuration.
const (
	DefaultTimeout             = 30000.0 // ms, default driver operation timeout
	DefaultWaitForTimeout      = 10000   // ms
	DefaultViewportWidth       = 1280
	DefaultViewportHeight      = 720
	DefaultMaxSessions         = 5
	DefaultMaxUses             = 50
	DefaultIdleTimeout         = 300 * time.Second
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultCloseTimeout        = 5 * time.Second
)

var (
	// ErrPoolExhausted is returned when no session became available before
	// the acquire timeout.
	ErrPoolExhausted = errors.New("browser session pool exhausted")

	// ErrPoolClosed is returned by Acquire after Shutdown has begun.
	ErrPoolClosed = errors.New("browser session pool closed")

	// ErrNotLeased is returned when releasing a session that is not leased.
	ErrNotLeased = errors.New("browser session is not leased")

	// ErrSessionLost marks driver failures caused by the browser going away.
	ErrSessionLost = errors.New("browser session lost")

	// ErrHandleDetached is returned by handle calls made after the execution
	// that owned the handle finished.
	ErrHandleDetached = errors.New("automation handle detached")

	// ErrNavigationBlocked is returned when a URL is outside the allow-list.
	ErrNavigationBlocked = errors.New("navigation blocked by allow-list")
)

// SessionState is the lifecycle state of a pooled session.
type SessionState string

const (
	StateIdle   SessionState = "idle"
	StateLeased SessionState = "leased"
	StateDead   SessionState = "dead"
)

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// MaxSessions caps idle + leased + launching sessions.
	MaxSessions int

	// MaxUses recycles a session after this many leases. Zero disables it.
	MaxUses int

	// IdleTimeout tears down sessions unused for this long. Zero disables it.
	IdleTimeout time.Duration

	// AcquireTimeout is used when Acquire is called with a zero timeout.
	AcquireTimeout time.Duration

	// HealthCheckInterval is the reaper tick. Zero disables the reaper.
	HealthCheckInterval time.Duration

	// CloseTimeout bounds one session teardown.
	CloseTimeout time.Duration
}

// DefaultPoolOptions returns the defaults used by the daemon.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxSessions:         DefaultMaxSessions,
		MaxUses:             DefaultMaxUses,
		IdleTimeout:         DefaultIdleTimeout,
		AcquireTimeout:      DefaultAcquireTimeout,
		HealthCheckInterval: DefaultHealthCheckInterval,
		CloseTimeout:        DefaultCloseTimeout,
	}
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return o
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	MaxSessions    int    `json:"maxSessions"`
	Idle           int    `json:"idle"`
	Leased         int    `json:"leased"`
	Launching      int    `json:"launching"`
	Waiting        int    `json:"waiting"`
	Leases         uint64 `json:"leases"`
	Releases       uint64 `json:"releases"`
	Discards       uint64 `json:"discards"`
	Launches       uint64 `json:"launches"`
	LaunchFailures uint64 `json:"launchFailures"`
}

// TraceEntry records one automation primitive call made by a tool.
type TraceEntry struct {
	Op       string        `json:"op"`
	Target   string        `json:"target,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
