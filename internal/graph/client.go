package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanshika/graphlens/internal/domain"
)

// Handle is one open connection to a backend.
//
// A Handle is not safe for concurrent use; the executor guarantees at most
// one Run per handle at a time.
type Handle interface {
	Run(ctx context.Context, query string) (RawRecords, error)
	Close(ctx context.Context) error
}

// Adapter opens handles for one backend kind and normalizes what they return.
type Adapter interface {
	Open(ctx context.Context, d domain.Descriptor) (Handle, error)
	Normalize(raw RawRecords) domain.Result
}

// RawRecords is a backend-native result: column names and positional rows.
type RawRecords struct {
	Columns []string
	Rows    [][]any
}

// Agtype marks a cell that came from an agtype column, in text form.
type Agtype string

// Backends dispatches a descriptor to its adapter.
type Backends struct {
	Bolt Adapter
	AGE  Adapter
}

// DefaultBackends returns the production adapters.
func DefaultBackends() Backends {
	return Backends{
		Bolt: BoltAdapter{},
		AGE:  AGEAdapter{},
	}
}

// ErrNoAdapter indicates no adapter is configured for a descriptor's kind.
var ErrNoAdapter = errors.New("no adapter configured for backend")

// For selects the adapter serving d.
func (b Backends) For(d domain.Descriptor) (Adapter, error) {
	var a Adapter
	switch d.(type) {
	case domain.BoltTarget:
		a = b.Bolt
	case domain.RelationalGraphTarget:
		a = b.AGE
	default:
		return nil, fmt.Errorf("%w: %T", ErrNoAdapter, d)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, d.Kind())
	}
	return a, nil
}
