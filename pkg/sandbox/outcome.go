package sandbox

import (
	"time"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/types"
)

// Status is the terminal state of one tool invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Outcome is the result of running a tool. Exactly one of Value (on
// success) or Error (otherwise) is meaningful.
type Outcome struct {
	Status    Status               `json:"status"`
	Value     any                  `json:"value,omitempty"`
	Error     *types.Error         `json:"error,omitempty"`
	Stdout    string               `json:"stdout,omitempty"`
	Traceback string               `json:"traceback,omitempty"`
	Trace     []browser.TraceEntry `json:"trace,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	Attempts  int                  `json:"attempts"`
	Duration  time.Duration        `json:"duration"`

	// SessionHealthy tells the caller of Execute how to release the session.
	SessionHealthy bool `json:"-"`
}

// OK reports whether the tool succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Err returns the outcome error, or nil on success.
func (o Outcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return o.Error
}

func success(value any) Outcome {
	return Outcome{Status: StatusSuccess, Value: value, SessionHealthy: true}
}

func failure(err *types.Error) Outcome {
	status := StatusError
	switch err.Kind {
	case types.KindTimeout:
		status = StatusTimeout
	case types.KindCancelled:
		status = StatusCancelled
	}
	return Outcome{Status: status, Error: err}
}
