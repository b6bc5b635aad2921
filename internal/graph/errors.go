package graph

import (
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BackendError describes a backend-native failure in backend-neutral terms.
type BackendError struct {
	Code    string
	Message string
	// Connectivity is set when the handle itself failed rather than the query.
	Connectivity bool
}

// Explain classifies an error returned by a Handle.
func Explain(err error) BackendError {
	if code, msg, ok := boltError(err); ok {
		return BackendError{Code: code, Message: msg}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return BackendError{Code: pgErr.Code, Message: pgErr.Message}
	}

	if neo4j.IsConnectivityError(err) {
		return BackendError{Message: err.Error(), Connectivity: true}
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return BackendError{Message: err.Error(), Connectivity: true}
	}

	return BackendError{Message: err.Error()}
}
