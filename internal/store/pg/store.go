package pg

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaigner/internal/domain"
	"campaigner/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const campaignColumns = `id, organization_id, created_by, name, description, message_template,
	landing_page_url, tracking_enabled, status, schedule_date, start_date, end_date,
	targets, stats, created_at, updated_at, run_owner, run_lease_until`

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	var (
		c           domain.Campaign
		status      string
		targetsJSON []byte
		statsJSON   []byte
		schedule    *time.Time
		start, end  *time.Time
		lease       *time.Time
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.CreatedBy, &c.Name, &c.Description, &c.MessageTemplate,
		&c.LandingPageURL, &c.TrackingEnabled, &status, &schedule, &start, &end,
		&targetsJSON, &statsJSON, &c.CreatedAt, &c.UpdatedAt, &c.RunOwner, &lease)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CampaignStatus(status)
	c.ScheduleDate, c.StartDate, c.EndDate = utc(schedule), utc(start), utc(end)
	c.RunLeaseUntil = utc(lease)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	if err := json.Unmarshal(targetsJSON, &c.Targets); err != nil {
		return nil, fmt.Errorf("decode targets of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(statsJSON, &c.Stats); err != nil {
		return nil, fmt.Errorf("decode stats of %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	targets, stats, err := encode(c)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, c.ID, c.OrganizationID, c.CreatedBy, c.Name, c.Description, c.MessageTemplate,
		c.LandingPageURL, c.TrackingEnabled, string(c.Status), c.ScheduleDate, c.StartDate, c.EndDate,
		targets, stats, c.CreatedAt, c.UpdatedAt, c.RunOwner, c.RunLeaseUntil)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, notFound(err, id)
	}
	return c, nil
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

func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]*domain.Campaign, int, error) {
	f = store.NormalizeFilter(f)

	var where []string
	var args []any
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		where = append(where, "organization_id=$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM campaigns`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.DB.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns`+clause+
		` ORDER BY created_at DESC, id DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*domain.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string, guard store.Mutation) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := lockCampaign(ctx, tx, id)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(c); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AtomicUpdate is SELECT ... FOR UPDATE, mutate, write back in one
// transaction. Concurrent updates of the same campaign queue on the row lock.
func (s *Store) AtomicUpdate(ctx context.Context, id string, fn store.Mutation) (*domain.Campaign, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := lockCampaign(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, domain.ErrNoChange) {
			return cur, err
		}
		return nil, err
	}

	targets, stats, err := encode(next)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET
			name=$2, description=$3, message_template=$4, landing_page_url=$5,
			tracking_enabled=$6, status=$7, schedule_date=$8, start_date=$9, end_date=$10,
			targets=$11, stats=$12, updated_at=$13, run_owner=$14, run_lease_until=$15,
			version=version+1
		WHERE id=$1
	`, next.ID, next.Name, next.Description, next.MessageTemplate, next.LandingPageURL,
		next.TrackingEnabled, string(next.Status), next.ScheduleDate, next.StartDate, next.EndDate,
		targets, stats, next.UpdatedAt, next.RunOwner, next.RunLeaseUntil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func lockCampaign(ctx context.Context, tx pgx.Tx, id string) (*domain.Campaign, error) {
	row := tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 FOR UPDATE`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, notFound(err, id)
	}
	return c, nil
}

func (s *Store) FindDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM campaigns
		WHERE status=$1 AND schedule_date <= $2
		ORDER BY schedule_date, id
	`, string(domain.CampaignScheduled), now)
}

func (s *Store) FindRunning(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM campaigns WHERE status=$1 ORDER BY created_at, id
	`, string(domain.CampaignRunning))
}

func (s *Store) FindAbandonedRuns(ctx context.Context, now time.Time) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM campaigns
		WHERE status=$1 AND run_owner <> '' AND run_lease_until <= $2
		ORDER BY run_lease_until, id
	`, string(domain.CampaignRunning), now)
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMsgID string) ([]string, error) {
	if providerMsgID == "" {
		return nil, nil
	}
	return s.targetLookup(ctx, "providerMessageId", providerMsgID)
}

func (s *Store) FindByDestination(ctx context.Context, destination string) ([]string, error) {
	if destination == "" {
		return nil, nil
	}
	return s.targetLookup(ctx, "destination", destination)
}

// targetLookup uses JSONB containment so the GIN index on targets applies.
func (s *Store) targetLookup(ctx context.Context, key, value string) ([]string, error) {
	needle, err := json.Marshal([]map[string]string{{key: value}})
	if err != nil {
		return nil, err
	}
	return s.queryIDs(ctx, `
		SELECT id FROM campaigns WHERE targets @> $1::jsonb ORDER BY created_at, id
	`, string(needle))
}

func (s *Store) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encode(c *domain.Campaign) (targets, stats []byte, err error) {
	ts := c.Targets
	if ts == nil {
		ts = []domain.Target{}
	}
	if targets, err = json.Marshal(ts); err != nil {
		return nil, nil, err
	}
	if stats, err = json.Marshal(c.Stats); err != nil {
		return nil, nil, err
	}
	return targets, stats, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: campaign %s", domain.ErrNotFound, id)
	}
	return err
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
