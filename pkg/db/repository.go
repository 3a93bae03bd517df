package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/substrate-ai/relay/pkg/agent"
)

const repoLogPrefix = "db:repository"

// currentSlot keys the single row of agent_config.
const currentSlot = "current"

// ConfigRepository stores the agent's current config and named profiles in
// Postgres. It implements agent.Store.
type ConfigRepository struct {
	pool *pgxpool.Pool
}

var _ agent.Store = (*ConfigRepository)(nil)

// NewConfigRepository creates a new ConfigRepository with the given connection pool.
func NewConfigRepository(pool *pgxpool.Pool) *ConfigRepository {
	return &ConfigRepository{pool: pool}
}

// LoadCurrent returns the current config or agent.ErrNotFound.
func (r *ConfigRepository) LoadCurrent(ctx context.Context) (*agent.Snapshot, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT document FROM agent_config WHERE slot = $1`, currentSlot).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - load current config: %w", repoLogPrefix, err)
	}
	return decodeSnapshot(doc)
}

// SaveCurrent replaces the current config.
func (r *ConfigRepository) SaveCurrent(ctx context.Context, snap *agent.Snapshot) error {
	slog.Debug(fmt.Sprintf("%s - SaveCurrent revision=%d", repoLogPrefix, snap.Revision))

	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO agent_config (slot, document, revision, modified)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (slot) DO UPDATE SET
		   document = EXCLUDED.document,
		   revision = EXCLUDED.revision,
		   modified = EXCLUDED.modified`,
		currentSlot, doc, snap.Revision, modifiedOrNow(snap))
	if err != nil {
		return fmt.Errorf("%s - save current config: %w", repoLogPrefix, err)
	}
	return nil
}

// ListProfiles returns every stored profile ordered by name.
func (r *ConfigRepository) ListProfiles(ctx context.Context) ([]agent.ProfileInfo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, model, revision, modified FROM agent_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%s - list profiles: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := []agent.ProfileInfo{}
	for rows.Next() {
		var p agent.ProfileInfo
		if err := rows.Scan(&p.Name, &p.Model, &p.Revision, &p.Modified); err != nil {
			return nil, fmt.Errorf("%s - scan profile failed: %w", repoLogPrefix, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list profiles: %w", repoLogPrefix, err)
	}
	return out, nil
}

// GetProfile returns the named profile or agent.ErrNotFound.
func (r *ConfigRepository) GetProfile(ctx context.Context, name string) (*agent.Snapshot, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT document FROM agent_profiles WHERE name = $1`, name).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get profile %q: %w", repoLogPrefix, name, err)
	}
	return decodeSnapshot(doc)
}

// PutProfile creates or replaces the named profile.
func (r *ConfigRepository) PutProfile(ctx context.Context, name string, snap *agent.Snapshot) error {
	slog.Info(fmt.Sprintf("%s - PutProfile name=%s", repoLogPrefix, name))

	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO agent_profiles (name, model, document, revision, modified)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   model = EXCLUDED.model,
		   document = EXCLUDED.document,
		   revision = EXCLUDED.revision,
		   modified = EXCLUDED.modified`,
		name, snap.Model, doc, snap.Revision, modifiedOrNow(snap))
	if err != nil {
		return fmt.Errorf("%s - put profile %q: %w", repoLogPrefix, name, err)
	}
	return nil
}

// DeleteProfile removes the named profile or returns agent.ErrNotFound.
func (r *ConfigRepository) DeleteProfile(ctx context.Context, name string) error {
	slog.Info(fmt.Sprintf("%s - DeleteProfile name=%s", repoLogPrefix, name))

	tag, err := r.pool.Exec(ctx, `DELETE FROM agent_profiles WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("%s - delete profile %q: %w", repoLogPrefix, name, err)
	}
	if tag.RowsAffected() == 0 {
		return agent.ErrNotFound
	}
	return nil
}

// Clear removes the current config and every profile. Schema is preserved.
func (r *ConfigRepository) Clear(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Clearing config tables", repoLogPrefix))
	if _, err := r.pool.Exec(ctx, `TRUNCATE TABLE agent_profiles, agent_config`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", repoLogPrefix, err)
	}
	return nil
}

func encodeSnapshot(snap *agent.Snapshot) ([]byte, error) {
	doc, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("%s - encode snapshot: %w", repoLogPrefix, err)
	}
	return doc, nil
}

func decodeSnapshot(doc []byte) (*agent.Snapshot, error) {
	var snap agent.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("%s - decode snapshot: %w", repoLogPrefix, err)
	}
	if snap.Autonomy == nil {
		snap.Autonomy = map[string]agent.AutonomyFeature{}
	}
	return &snap, nil
}

func modifiedOrNow(snap *agent.Snapshot) time.Time {
	if snap.Modified.IsZero() {
		return time.Now().UTC()
	}
	return snap.Modified
}
