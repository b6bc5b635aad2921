package server

import (
	"context"

	"github.com/vanshika/graphlens/internal/config"
	"github.com/vanshika/graphlens/internal/session"
)

// HealthService defines behaviour for readiness checks.
type HealthService interface {
	Check(ctx context.Context) (HealthReport, error)
}

// HealthReport summarises process state for /healthz.
type HealthReport struct {
	OpenConnections int
	RunningQueries  int
	Presets         int
}

// SessionHealthService reports on the connection store. It never dials a
// backend: each session owns its own target.
type SessionHealthService struct {
	Store   *session.Store
	Presets *config.Presets
	// Running counts in-flight queries; optional.
	Running func() int
}

// Check implements the HealthService interface.
func (s SessionHealthService) Check(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if s.Store != nil {
		report.OpenConnections = s.Store.Len()
	}
	if s.Presets != nil {
		report.Presets = s.Presets.Len()
	}
	if s.Running != nil {
		report.RunningQueries = s.Running()
	}
	return report, nil
}
