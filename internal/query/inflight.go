package query

import (
	"context"
	"sync"
	"time"
)

// inflight is the record of a query that has been admitted for a session and
// not yet reached a terminal outcome.
type inflight struct {
	id        string
	session   string
	startedAt time.Time
	cancel    context.CancelCauseFunc
}

// registry tracks at most one in-flight query per session.
type registry struct {
	queries sync.Map // session id -> *inflight
}

// claim records q unless its session already has a query in flight.
func (r *registry) claim(q *inflight) bool {
	_, loaded := r.queries.LoadOrStore(q.session, q)
	return !loaded
}

// release removes q if it is still the session's in-flight query.
func (r *registry) release(q *inflight) {
	r.queries.CompareAndDelete(q.session, q)
}

func (r *registry) count() int {
	n := 0
	r.queries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *registry) get(session string) (*inflight, bool) {
	v, ok := r.queries.Load(session)
	if !ok {
		return nil, false
	}
	return v.(*inflight), true
}

// Running describes an in-flight query.
type Running struct {
	ID        string    `json:"query_id"`
	Session   string    `json:"-"`
	StartedAt time.Time `json:"started_at"`
}
