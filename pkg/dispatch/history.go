package dispatch

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/types"
)

// DefaultHistorySize is the number of executions kept per server.
const DefaultHistorySize = 200

// ExecutionRecord is one dispatched tool call. It is terminal once
// FinishedAt is set.
type ExecutionRecord struct {
	ID          string               `json:"id"`
	ServerID    string               `json:"serverId"`
	ToolName    string               `json:"toolName"`
	ToolVersion int                  `json:"toolVersion"`
	RequestID   string               `json:"requestId"`
	Input       any                  `json:"input,omitempty"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  time.Time            `json:"finishedAt,omitzero"`
	Status      sandbox.Status       `json:"status,omitempty"`
	Value       any                  `json:"value,omitempty"`
	Error       *types.Error         `json:"error,omitempty"`
	SessionID   string               `json:"sessionId,omitempty"`
	Attempts    int                  `json:"attempts"`
	Stdout      string               `json:"stdout,omitempty"`
	Trace       []browser.TraceEntry `json:"trace,omitempty"`
}

// Done reports whether the execution has finished.
func (r ExecutionRecord) Done() bool {
	return !r.FinishedAt.IsZero()
}

// History is a bounded record of a server's executions. When full, the
// oldest record is evicted.
//
// Records are never looked up through Get, so the LRU order is insertion
// order and eviction is FIFO.
type History struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *ExecutionRecord]
}

// NewHistory creates a history holding up to size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	cache, err := lru.New[string, *ExecutionRecord](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &History{cache: cache}
}

func (h *History) start(rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Add(rec.ID, &rec)
}

func (h *History) finish(id string, out sandbox.Outcome, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.cache.Peek(id)
	if !ok {
		return
	}
	rec.FinishedAt = at
	rec.Status = out.Status
	rec.Value = out.Value
	rec.Error = out.Error
	rec.SessionID = out.SessionID
	rec.Attempts = out.Attempts
	rec.Stdout = out.Stdout
	rec.Trace = out.Trace
}

// Get returns a copy of one record.
func (h *History) Get(id string) (ExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.cache.Peek(id)
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (h *History) List(limit int) []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.cache.Values()
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *recs[i])
	}
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	return h.cache.Len()
}
