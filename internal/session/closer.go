package session

import (
	"context"
	"fmt"
	"sync"
)

// CloseError accumulates the failures of a bulk close.
type CloseError struct {
	Errors []error
}

func (e *CloseError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "multiple errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

func (e *CloseError) Unwrap() []error {
	return e.Errors
}

func (e *CloseError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *CloseError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

const defaultCloseWorkers = 4

// closeConnections closes conns using a bounded pool of workers.
func closeConnections(ctx context.Context, conns []*Connection, workers int) error {
	total := len(conns)
	if total == 0 {
		return nil
	}
	if workers <= 0 {
		workers = defaultCloseWorkers
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			c := conns[idx]
			if err := c.close(ctx); err != nil {
				errCh <- fmt.Errorf("close session %s: %w", c.Session, err)
			}
		}
	}

	for i := 0; i < workers && i < total; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	var closeErr CloseError
	for err := range errCh {
		closeErr.append(err)
	}
	closeErr.append(ctx.Err())
	return closeErr.asError()
}
