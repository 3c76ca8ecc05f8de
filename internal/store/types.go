package store

import (
	"context"
	"time"

	"campaigner/internal/domain"
)

// Mutation edits a campaign inside a store's atomic read-modify-write. It
// receives a private copy; returning an error discards the copy, and
// domain.ErrNoChange means "nothing to write".
type Mutation func(c *domain.Campaign) error

// CampaignStore persists campaigns with their embedded targets. Every write
// to an existing campaign goes through AtomicUpdate so concurrent dispatch,
// webhook and API mutations of the same record serialize.
type CampaignStore interface {
	Create(ctx context.Context, c *domain.Campaign) error
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f domain.ListFilter) ([]*domain.Campaign, int, error)

	// Delete runs guard against the locked record and removes it only if
	// guard returns nil.
	Delete(ctx context.Context, id string, guard Mutation) error

	// AtomicUpdate applies fn to the current record and stores the result.
	// With domain.ErrNoChange the stored record is returned unchanged along
	// with the error.
	AtomicUpdate(ctx context.Context, id string, fn Mutation) (*domain.Campaign, error)

	// LoadRunnable returns the campaign when it is running, ErrConflict otherwise.
	LoadRunnable(ctx context.Context, id string) (*domain.Campaign, error)

	FindDueScheduled(ctx context.Context, now time.Time) ([]string, error)
	FindRunning(ctx context.Context) ([]string, error)
	// FindAbandonedRuns returns running campaigns whose run lease expired.
	FindAbandonedRuns(ctx context.Context, now time.Time) ([]string, error)
	FindByProviderMessageID(ctx context.Context, providerMsgID string) ([]string, error)
	FindByDestination(ctx context.Context, destination string) ([]string, error)

	Ping(ctx context.Context) error
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NormalizeFilter clamps paging to sane bounds.
func NormalizeFilter(f domain.ListFilter) domain.ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

func PageOf(f domain.ListFilter, total int) domain.Page {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return domain.Page{Current: f.Page, Pages: pages, Total: total}
}
