package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanshika/graphlens/internal/domain"
)

// ErrHandleClosed is returned by a MemoryHandle used after Close.
var ErrHandleClosed = errors.New("handle closed")

// MemoryAdapter is a scripted in-memory Adapter used for unit testing the
// store, executor and introspector without a running backend.
type MemoryAdapter struct {
	mu        sync.Mutex
	openErr   error
	openDelay time.Duration
	runErr    error
	runDelay  time.Duration
	ignoreCtx bool
	results   map[string]RawRecords
	queue     []RawRecords
	runs      []ExecutedQuery
	handles   []*MemoryHandle
	normalize func(RawRecords) domain.Result
}

// ExecutedQuery captures a statement run against a memory handle.
type ExecutedQuery struct {
	Query      string
	Descriptor domain.Descriptor
}

// NewMemoryAdapter instantiates the adapter. Results normalize with the Bolt
// normalizer unless WithNormalizer says otherwise.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		results:   map[string]RawRecords{},
		normalize: BoltAdapter{}.Normalize,
	}
}

// WithOpenError makes subsequent Open calls fail with err.
func (m *MemoryAdapter) WithOpenError(err error) *MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
	return m
}

// WithOpenDelay slows down Open, honouring context cancellation.
func (m *MemoryAdapter) WithOpenDelay(d time.Duration) *MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openDelay = d
	return m
}

// WithRunError makes subsequent Run calls fail with err.
func (m *MemoryAdapter) WithRunError(err error) *MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runErr = err
	return m
}

// WithRunDelay makes Run take d. When ignoreContext is set the delay runs to
// completion even if the context is cancelled, like a backend that cannot abort.
func (m *MemoryAdapter) WithRunDelay(d time.Duration, ignoreContext bool) *MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runDelay = d
	m.ignoreCtx = ignoreContext
	return m
}

// WithNormalizer normalizes results with the normalizer of a.
func (m *MemoryAdapter) WithNormalizer(a Adapter) *MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normalize = a.Normalize
	return m
}

// SetResult registers the records returned whenever query runs.
func (m *MemoryAdapter) SetResult(query string, raw RawRecords) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[query] = raw
}

// PushResult queues records returned by the next Run with no registered result.
func (m *MemoryAdapter) PushResult(raw RawRecords) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, raw)
}

func (m *MemoryAdapter) Open(ctx context.Context, d domain.Descriptor) (Handle, error) {
	m.mu.Lock()
	delay, err := m.openDelay, m.openErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h := &MemoryHandle{adapter: m, descriptor: d}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *MemoryAdapter) Normalize(raw RawRecords) domain.Result {
	m.mu.Lock()
	normalize := m.normalize
	m.mu.Unlock()
	return normalize(raw)
}

// Opens returns the number of successfully opened handles.
func (m *MemoryAdapter) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handles returns a snapshot of opened handles.
func (m *MemoryAdapter) Handles() []*MemoryHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryHandle(nil), m.handles...)
}

// Runs returns a snapshot of executed queries.
func (m *MemoryAdapter) Runs() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.runs...)
}

// MemoryHandle is a handle opened by MemoryAdapter.
type MemoryHandle struct {
	adapter    *MemoryAdapter
	descriptor domain.Descriptor
	closed     atomic.Bool
}

func (h *MemoryHandle) Run(ctx context.Context, query string) (RawRecords, error) {
	if h.closed.Load() {
		return RawRecords{}, ErrHandleClosed
	}

	m := h.adapter
	m.mu.Lock()
	m.runs = append(m.runs, ExecutedQuery{Query: query, Descriptor: h.descriptor})
	delay, ignoreCtx, err := m.runDelay, m.ignoreCtx, m.runErr
	m.mu.Unlock()

	if delay > 0 {
		if ignoreCtx {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return RawRecords{}, ctx.Err()
			}
		}
	}
	if err != nil {
		return RawRecords{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[query]; ok {
		return res, nil
	}
	if len(m.queue) == 0 {
		return RawRecords{}, nil
	}
	res := m.queue[0]
	m.queue = m.queue[1:]
	return res, nil
}

func (h *MemoryHandle) Close(context.Context) error {
	h.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (h *MemoryHandle) Closed() bool {
	return h.closed.Load()
}

// Descriptor returns the descriptor the handle was opened with.
func (h *MemoryHandle) Descriptor() domain.Descriptor {
	return h.descriptor
}
