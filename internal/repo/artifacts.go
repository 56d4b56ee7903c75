package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/miradorstack/mirador-insights/internal/cache"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// ArtifactInfo describes one persisted artifact without its payload.
type ArtifactInfo struct {
	Kind      string
	Version   string
	CreatedAt time.Time
}

// ArtifactStore persists model artifacts and mined retention options in SQLite.
// Reads go through the cache provider first.
type ArtifactStore struct {
	db     *sql.DB
	cache  cache.Provider
	ttl    time.Duration
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	version    TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind, created_at);

CREATE TABLE IF NOT EXISTS retention_options (
	session_id  TEXT NOT NULL,
	field       TEXT NOT NULL,
	best_option TEXT NOT NULL,
	churn_rate  REAL NOT NULL,
	payload     BLOB NOT NULL,
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (session_id, field)
);
`

// OpenArtifactStore opens (or creates) the SQLite database at path.
func OpenArtifactStore(path string, cacheProvider cache.Provider, ttl time.Duration, logger *slog.Logger) (*ArtifactStore, error) {
	if path == "" {
		return nil, errors.New("artifact store path is required")
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl < 0 {
		ttl = 0
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate artifact store: %w", err)
	}
	return &ArtifactStore{db: db, cache: cacheProvider, ttl: ttl, logger: logger}, nil
}

// Close releases the database handle.
func (s *ArtifactStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveChurn persists a churn model artifact keyed by its version.
func (s *ArtifactStore) SaveChurn(ctx context.Context, art models.ChurnArtifact) error {
	return s.save(ctx, art.Kind, art.Version, art.TrainedAt, art)
}

// LoadChurn fetches a churn artifact by version.
func (s *ArtifactStore) LoadChurn(ctx context.Context, version string) (models.ChurnArtifact, error) {
	var art models.ChurnArtifact
	err := s.load(ctx, version, &art)
	return art, err
}

// SaveScaler persists a clustering scaler artifact keyed by its version.
func (s *ArtifactStore) SaveScaler(ctx context.Context, art models.ScalerArtifact) error {
	return s.save(ctx, art.Kind, art.Version, time.Now().UTC(), art)
}

// LoadScaler fetches a scaler artifact by version.
func (s *ArtifactStore) LoadScaler(ctx context.Context, version string) (models.ScalerArtifact, error) {
	var art models.ScalerArtifact
	err := s.load(ctx, version, &art)
	return art, err
}

// SaveValueModel persists a customer value model artifact keyed by its version.
func (s *ArtifactStore) SaveValueModel(ctx context.Context, art models.ValueArtifact) error {
	return s.save(ctx, art.Kind, art.Version, art.TrainedAt, art)
}

// LoadValueModel fetches a value model artifact by version.
func (s *ArtifactStore) LoadValueModel(ctx context.Context, version string) (models.ValueArtifact, error) {
	var art models.ValueArtifact
	err := s.load(ctx, version, &art)
	return art, err
}

// List returns artifacts of kind, newest first. An empty kind lists everything.
func (s *ArtifactStore) List(ctx context.Context, kind string) ([]ArtifactInfo, error) {
	query := `SELECT kind, version, created_at FROM artifacts`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactInfo
	for rows.Next() {
		var info ArtifactInfo
		if err := rows.Scan(&info.Kind, &info.Version, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// StoreRetention replaces the retention options mined for a session.
func (s *ArtifactStore) StoreRetention(ctx context.Context, sessionID string, options []models.RetentionOption) error {
	if sessionID == "" {
		return utils.ValidationError("repo.StoreRetention", "session id is required", "session_id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM retention_options WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear retention options: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO retention_options (session_id, field, best_option, churn_rate, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare retention insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, opt := range options {
		payload, err := json.Marshal(opt)
		if err != nil {
			return fmt.Errorf("encode retention option %s: %w", opt.Field, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, opt.Field, opt.BestOption, opt.ChurnRate, payload, now); err != nil {
			return fmt.Errorf("insert retention option %s: %w", opt.Field, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retention options: %w", err)
	}
	_ = s.cache.Del(ctx, retentionCacheKey(sessionID))
	return nil
}

// Retention returns the options stored for a session ordered by field.
func (s *ArtifactStore) Retention(ctx context.Context, sessionID string) ([]models.RetentionOption, error) {
	key := retentionCacheKey(sessionID)
	var cached []models.RetentionOption
	if cache.GetJSON(ctx, s.cache, key, &cached) {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM retention_options WHERE session_id = ? ORDER BY field`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query retention options: %w", err)
	}
	defer rows.Close()

	var out []models.RetentionOption
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan retention option: %w", err)
		}
		var opt models.RetentionOption
		if err := json.Unmarshal(payload, &opt); err != nil {
			return nil, fmt.Errorf("decode retention option: %w", err)
		}
		out = append(out, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		if err := cache.SetJSON(ctx, s.cache, key, out, s.ttl); err != nil {
			s.logger.Debug("retention cache fill failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}
	return out, nil
}

func (s *ArtifactStore) save(ctx context.Context, kind, version string, createdAt time.Time, v any) error {
	if kind == "" || version == "" {
		return utils.ValidationError("repo.Save", "artifact kind and version are required", "kind", "version")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", version, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (version, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		version, kind, payload, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("store artifact %s: %w", version, err)
	}
	if err := s.cache.Del(ctx, artifactCacheKey(version)); err != nil {
		s.logger.Warn("artifact cache invalidation failed", slog.String("version", version), slog.Any("error", err))
	}
	s.logger.Debug("artifact stored", slog.String("kind", kind), slog.String("version", version))
	return nil
}

func (s *ArtifactStore) load(ctx context.Context, version string, out any) error {
	key := artifactCacheKey(version)
	if cache.GetJSON(ctx, s.cache, key, out) {
		return nil
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM artifacts WHERE version = ?`, version).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return utils.NotFound("repo.Load", fmt.Sprintf("artifact %s not found", version))
	}
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", version, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode artifact %s: %w", version, err)
	}
	if s.ttl > 0 {
		_ = s.cache.Set(ctx, key, payload, s.ttl)
	}
	return nil
}

func artifactCacheKey(version string) string {
	return "artifact:" + version
}

func retentionCacheKey(sessionID string) string {
	return "retention:" + sessionID
}
