// Package storage persists benchmark run reports.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// Storage defines the persistence interface for run reports.
// Only derived results are stored; node logs stay in their files.
type Storage interface {
	SaveReport(ctx context.Context, report *types.RunReport) error
	GetReport(ctx context.Context, id string) (*types.RunReport, error)
	ListReports(ctx context.Context, limit, offset int) (*types.PaginatedReports, error)
	DeleteReport(ctx context.Context, id string) error

	Close() error
}
