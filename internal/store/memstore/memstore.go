// Package memstore is an in-process CampaignStore used by tests and by local
// runs without a database. A single mutex gives the same per-record
// atomicity as the Postgres row lock.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaigner/internal/domain"
	"campaigner/internal/store"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func New() *Store {
	return &Store{campaigns: map[string]*domain.Campaign{}}
}

func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("%w: campaign %s already exists", domain.ErrConflict, c.ID)
	}
	s.campaigns[c.ID] = c.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s", domain.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]*domain.Campaign, int, error) {
	f = store.NormalizeFilter(f)

	s.mu.Lock()
	matched := make([]*domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if f.OrganizationID != "" && c.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		matched = append(matched, c.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return []*domain.Campaign{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) Delete(ctx context.Context, id string, guard store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: campaign %s", domain.ErrNotFound, id)
	}
	if guard != nil {
		if err := guard(c.Clone()); err != nil {
			return err
		}
	}
	delete(s.campaigns, id)
	return nil
}

func (s *Store) AtomicUpdate(ctx context.Context, id string, fn store.Mutation) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s", domain.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, domain.ErrNoChange) {
			return cur.Clone(), err
		}
		return nil, err
	}
	s.campaigns[id] = next
	return next.Clone(), nil
}

func (s *Store) LoadRunnable(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignRunning {
		return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, id, c.Status)
	}
	return c, nil
}

func (s *Store) FindDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	return s.ids(func(c *domain.Campaign) bool {
		return c.Status == domain.CampaignScheduled && c.ScheduleDate != nil && !c.ScheduleDate.After(now)
	}), nil
}

func (s *Store) FindRunning(ctx context.Context) ([]string, error) {
	return s.ids(func(c *domain.Campaign) bool {
		return c.Status == domain.CampaignRunning
	}), nil
}

func (s *Store) FindAbandonedRuns(ctx context.Context, now time.Time) ([]string, error) {
	return s.ids(func(c *domain.Campaign) bool {
		return c.RunAbandoned(now)
	}), nil
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMsgID string) ([]string, error) {
	if providerMsgID == "" {
		return nil, nil
	}
	return s.ids(func(c *domain.Campaign) bool {
		for _, t := range c.Targets {
			if t.ProviderMessageID == providerMsgID {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) FindByDestination(ctx context.Context, destination string) ([]string, error) {
	if destination == "" {
		return nil, nil
	}
	return s.ids(func(c *domain.Campaign) bool {
		for _, t := range c.Targets {
			if t.Destination == destination {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// ids returns matching campaign ids, oldest first.
func (s *Store) ids(match func(c *domain.Campaign) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*domain.Campaign
	for _, c := range s.campaigns {
		if match(c) {
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID < found[j].ID
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	out := make([]string, 0, len(found))
	for _, c := range found {
		out = append(out, c.ID)
	}
	return out
}
