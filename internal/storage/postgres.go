package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/enroll"
	"github.com/your-org/attend/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Identities ---

func (s *PostgresStore) CreateIdentity(ctx context.Context, id *models.Identity) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO identities (id, external_ref, name, user_type) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		id.ID, id.ExternalRef, id.Name, id.UserType,
	).Scan(&id.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return enroll.ErrDuplicateExternalRef
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

const identityColumns = `id, external_ref, name, user_type, created_at`

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	id := &models.Identity{}
	if err := row.Scan(&id.ID, &id.ExternalRef, &id.Name, &id.UserType, &id.CreatedAt); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return ident, nil
}

func (s *PostgresStore) GetIdentityByRef(ctx context.Context, externalRef string) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE external_ref = $1`, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity by ref: %w", err)
	}
	return ident, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY external_ref`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, *ident)
	}
	return identities, rows.Err()
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete identity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Embeddings ---

func (s *PostgresStore) AddEmbedding(ctx context.Context, e *models.Embedding) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO embeddings (id, identity_id, modality, embedding, quality, source_key)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		e.ID, e.IdentityID, e.Modality, pgvector.NewVector(e.Vector), e.Quality, e.SourceKey,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("add embedding: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceVoiceEmbedding(ctx context.Context, e *models.Embedding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM embeddings WHERE identity_id = $1 AND modality = 'voice'`, e.IdentityID); err != nil {
		return fmt.Errorf("delete voice embedding: %w", err)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO embeddings (id, identity_id, modality, embedding, quality, source_key)
		 VALUES ($1, $2, 'voice', $3, $4, $5) RETURNING created_at`,
		e.ID, e.IdentityID, pgvector.NewVector(e.Vector), e.Quality, e.SourceKey,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert voice embedding: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteEmbedding(ctx context.Context, identityID, embeddingID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE id = $1 AND identity_id = $2`, embeddingID, identityID)
	if err != nil {
		return false, fmt.Errorf("delete embedding: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListEmbeddings(ctx context.Context, modality models.Modality) ([]models.Embedding, error) {
	return s.queryEmbeddings(ctx,
		`SELECT id, identity_id, modality, embedding, quality, source_key, created_at
		 FROM embeddings WHERE modality = $1 ORDER BY created_at`, modality)
}

func (s *PostgresStore) ListIdentityEmbeddings(ctx context.Context, identityID uuid.UUID) ([]models.Embedding, error) {
	return s.queryEmbeddings(ctx,
		`SELECT id, identity_id, modality, embedding, quality, source_key, created_at
		 FROM embeddings WHERE identity_id = $1 ORDER BY created_at`, identityID)
}

func (s *PostgresStore) queryEmbeddings(ctx context.Context, query string, args ...interface{}) ([]models.Embedding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.Embedding
	for rows.Next() {
		var (
			e   models.Embedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.Modality, &vec, &e.Quality, &e.SourceKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, identity_id, to_char(day, 'YYYY-MM-DD'), login_time, logout_time,
	duration_minutes, COALESCE(day_label, ''), status, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		sess  models.Session
		label string
	)
	err := row.Scan(&sess.ID, &sess.IdentityID, &sess.Day, &sess.LoginTime, &sess.LogoutTime,
		&sess.DurationMinutes, &label, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.DayLabel = models.DayLabel(label)
	return &sess, nil
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetOpenSession(ctx context.Context, identityID uuid.UUID, day string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE identity_id = $1 AND status = 'open' AND day <= $2::date
		 ORDER BY login_time DESC LIMIT 1`, identityID, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identityID uuid.UUID, fromDay, toDay string) ([]models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE identity_id = $1 AND day BETWEEN $2::date AND $3::date
		 ORDER BY login_time, id`, identityID, fromDay, toDay)
}

func (s *PostgresStore) ListByDate(ctx context.Context, day string) ([]models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE day = $1::date ORDER BY login_time, id`, day)
}

func (s *PostgresStore) ListByDateRange(ctx context.Context, fromDay, toDay string) ([]models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE day BETWEEN $1::date AND $2::date ORDER BY login_time, id`, fromDay, toDay)
}

func (s *PostgresStore) ListOpen(ctx context.Context, loginBefore time.Time) ([]models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'open' AND login_time <= $1 ORDER BY login_time, id`, loginBefore)
}

func (s *PostgresStore) Create(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, identity_id, day, login_time, logout_time, duration_minutes, day_label, status, created_at, updated_at)
		 VALUES ($1, $2, $3::date, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		sess.ID, sess.IdentityID, sess.Day, sess.LoginTime, sess.LogoutTime,
		sess.DurationMinutes, string(sess.DayLabel), sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return attendance.ErrOpenSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Update is a compare-and-set on the stored status.
func (s *PostgresStore) Update(ctx context.Context, sess *models.Session, expected models.SessionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET logout_time = $2, duration_minutes = $3, day_label = NULLIF($4, ''), status = $5, updated_at = $6
		 WHERE id = $1 AND status = $7`,
		sess.ID, sess.LogoutTime, sess.DurationMinutes, string(sess.DayLabel), sess.Status, sess.UpdatedAt, expected)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Audit ---

func (s *PostgresStore) InsertMatchAudit(ctx context.Context, a *models.MatchAudit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_audits (id, modality, chosen_identity_id, contenders, score, capture_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Modality, a.ChosenID, a.Contenders, a.Score, a.CaptureID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert match audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMatchAudits(ctx context.Context, limit int) ([]models.MatchAudit, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, modality, chosen_identity_id, contenders, score, capture_id, created_at
		 FROM match_audits ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list match audits: %w", err)
	}
	defer rows.Close()

	var out []models.MatchAudit
	for rows.Next() {
		var a models.MatchAudit
		if err := rows.Scan(&a.ID, &a.Modality, &a.ChosenID, &a.Contenders, &a.Score, &a.CaptureID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan match audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
