package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troikatech/call-escalation/pkg/otel"
	"github.com/troikatech/call-escalation/pkg/postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		conversation_key    TEXT PRIMARY KEY,
		id                  TEXT NOT NULL UNIQUE,
		provider            TEXT NOT NULL DEFAULT '',
		direction           TEXT NOT NULL DEFAULT '',
		counterparty_number TEXT NOT NULL DEFAULT '',
		topic               TEXT NOT NULL DEFAULT '',
		duration_seconds    INTEGER,
		duration_minutes    INTEGER,
		status              TEXT NOT NULL DEFAULT '',
		started_at          TIMESTAMPTZ,
		ended_at            TIMESTAMPTZ,
		recording_url       TEXT NOT NULL DEFAULT '',
		needs_review        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		conversation_key TEXT PRIMARY KEY,
		text             TEXT NOT NULL DEFAULT '',
		fragment_keys    TEXT[] NOT NULL DEFAULT '{}',
		fragment_times   TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
		sales_flagged    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escalations (
		id                 TEXT PRIMARY KEY,
		parent_call_key    TEXT NOT NULL,
		control_reference  TEXT NOT NULL DEFAULT '',
		secondary_call_key TEXT,
		secondary_provider TEXT NOT NULL DEFAULT '',
		item_requested     TEXT NOT NULL,
		caller_context     TEXT NOT NULL DEFAULT '',
		human_number       TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		answer             TEXT NOT NULL DEFAULT '',
		failure_reason     TEXT NOT NULL DEFAULT '',
		relay_claimed_at   TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escalations_secondary_key ON escalations (secondary_call_key) WHERE secondary_call_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS escalations_parent ON escalations (parent_call_key, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS escalations_pending ON escalations (created_at) WHERE status = 'pending'`,
}

// PostgresStore implements Store on PostgreSQL. Merges are single
// INSERT ... ON CONFLICT statements.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	err := postgres.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func (s *PostgresStore) span(ctx context.Context, table, op string, fn func(ctx context.Context) error) error {
	return otel.WithDBSpan(ctx, "postgresql", table, op, fn)
}

const callColumns = `id, conversation_key, provider, direction, counterparty_number, topic,
	duration_seconds, duration_minutes, status, started_at, ended_at, recording_url,
	needs_review, created_at, updated_at`

const upsertCallSQL = `
INSERT INTO calls AS t (` + callColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
ON CONFLICT (conversation_key) DO UPDATE SET
	provider            = COALESCE(NULLIF(EXCLUDED.provider, ''), t.provider),
	direction           = COALESCE(NULLIF(EXCLUDED.direction, ''), t.direction),
	counterparty_number = COALESCE(NULLIF(EXCLUDED.counterparty_number, ''), t.counterparty_number),
	topic               = COALESCE(NULLIF(EXCLUDED.topic, ''), t.topic),
	recording_url       = COALESCE(NULLIF(EXCLUDED.recording_url, ''), t.recording_url),
	status = CASE
		WHEN (CASE EXCLUDED.status WHEN 'initiated' THEN 1 WHEN 'in_progress' THEN 2 WHEN 'ended' THEN 3 ELSE 0 END)
		   > (CASE t.status WHEN 'initiated' THEN 1 WHEN 'in_progress' THEN 2 WHEN 'ended' THEN 3 ELSE 0 END)
		THEN EXCLUDED.status ELSE t.status END,
	started_at = COALESCE(EXCLUDED.started_at, t.started_at),
	ended_at   = COALESCE(EXCLUDED.ended_at, t.ended_at),
	duration_seconds = CASE
		WHEN $15::int IS NOT NULL THEN $15::int
		WHEN $17::bool AND t.duration_seconds IS NULL THEN 0
		ELSE t.duration_seconds END,
	duration_minutes = CASE
		WHEN $16::int IS NOT NULL THEN $16::int
		WHEN $17::bool AND t.duration_minutes IS NULL THEN 0
		ELSE t.duration_minutes END,
	needs_review = CASE
		WHEN $15::int IS NOT NULL THEN FALSE
		WHEN $17::bool AND t.duration_seconds IS NULL THEN TRUE
		ELSE t.needs_review END,
	updated_at = EXCLUDED.updated_at
RETURNING ` + callColumns

func scanCall(row pgx.Row) (*CallRecord, error) {
	var r CallRecord
	var direction, status string
	err := row.Scan(&r.ID, &r.ConversationKey, &r.Provider, &direction, &r.CounterpartyNumber, &r.Topic,
		&r.DurationSeconds, &r.DurationMinutes, &status, &r.StartedAt, &r.EndedAt, &r.RecordingURL,
		&r.NeedsReview, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Direction = Direction(direction)
	r.Status = CallStatus(status)
	return &r, nil
}

func (s *PostgresStore) UpsertCallRecord(ctx context.Context, rec CallRecord) (*CallRecord, error) {
	if rec.ConversationKey == "" {
		return nil, errEmptyKey
	}
	now := time.Now().UTC()
	ins := mergeCallRecord(nil, rec, now)

	var out *CallRecord
	err := s.span(ctx, "calls", "UPSERT", func(ctx context.Context) error {
		var err error
		out, err = scanCall(s.db.QueryRow(ctx, upsertCallSQL,
			ins.ID, ins.ConversationKey, ins.Provider, string(ins.Direction), ins.CounterpartyNumber, ins.Topic,
			ins.DurationSeconds, ins.DurationMinutes, string(ins.Status), ins.StartedAt, ins.EndedAt, ins.RecordingURL,
			ins.NeedsReview, now,
			rec.DurationSeconds, rec.DurationMinutes, rec.NeedsReview,
		))
		return err
	})
	if err != nil {
		return nil, unavailable("upsert call record", err)
	}
	return out, nil
}

const transcriptColumns = `conversation_key, text, fragment_keys, fragment_times, sales_flagged, created_at, updated_at`

const appendTranscriptSQL = `
INSERT INTO transcripts AS t (` + transcriptColumns + `)
VALUES ($1, $2, ARRAY[$3::text], ARRAY[$4::timestamptz], $5, $6, $6)
ON CONFLICT (conversation_key) DO UPDATE SET
	text = CASE
		WHEN t.text = '' THEN EXCLUDED.text
		WHEN EXCLUDED.text = '' THEN t.text
		ELSE t.text || E'\n' || EXCLUDED.text END,
	fragment_keys  = t.fragment_keys || EXCLUDED.fragment_keys,
	fragment_times = t.fragment_times || EXCLUDED.fragment_times,
	sales_flagged  = t.sales_flagged OR EXCLUDED.sales_flagged,
	updated_at     = EXCLUDED.updated_at
WHERE NOT (t.fragment_keys @> EXCLUDED.fragment_keys)
RETURNING ` + transcriptColumns

func scanTranscript(row pgx.Row) (*Transcript, error) {
	var t Transcript
	var keys []string
	var times []time.Time
	if err := row.Scan(&t.ConversationKey, &t.Text, &keys, &times, &t.SalesFlagged, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Fragments = make([]FragmentRef, len(keys))
	for i, k := range keys {
		t.Fragments[i].Key = k
		if i < len(times) {
			t.Fragments[i].At = times[i]
		}
	}
	return &t, nil
}

func (s *PostgresStore) AppendOrCreateTranscript(ctx context.Context, key string, frag Fragment) (*Transcript, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	now := time.Now().UTC()

	var out *Transcript
	err := s.span(ctx, "transcripts", "APPEND", func(ctx context.Context) error {
		var err error
		out, err = scanTranscript(s.db.QueryRow(ctx, appendTranscriptSQL,
			key, frag.Text, FragmentKey(key, frag), frag.At.UTC(), IsSalesText(frag.Text), now))
		if errors.Is(err, pgx.ErrNoRows) {
			// Fragment already applied; the guarded update touched nothing.
			out, err = scanTranscript(s.db.QueryRow(ctx,
				`SELECT `+transcriptColumns+` FROM transcripts WHERE conversation_key = $1`, key))
		}
		if err != nil || out.SalesFlagged || !IsSalesText(out.Text) {
			return err
		}
		// The heuristic can match across fragment boundaries.
		_, err = s.db.Exec(ctx,
			`UPDATE transcripts SET sales_flagged = TRUE WHERE conversation_key = $1 AND NOT sales_flagged`, key)
		if err == nil {
			out.SalesFlagged = true
		}
		return err
	})
	if err != nil {
		return nil, unavailable("append transcript", err)
	}
	return out, nil
}

const escalationColumns = `id, parent_call_key, control_reference, secondary_call_key, secondary_provider,
	item_requested, caller_context, human_number, status, answer, failure_reason,
	relay_claimed_at, created_at, updated_at, completed_at`

func scanEscalation(row pgx.Row) (*EscalationRequest, error) {
	var e EscalationRequest
	var secondary *string
	var status string
	err := row.Scan(&e.ID, &e.ParentCallKey, &e.ControlReference, &secondary, &e.SecondaryProvider,
		&e.ItemRequested, &e.CallerContext, &e.HumanNumber, &status, &e.Answer, &e.FailureReason,
		&e.RelayClaimedAt, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	if secondary != nil {
		e.SecondaryCallKey = *secondary
	}
	e.Status = EscalationStatus(status)
	return &e, nil
}

func (s *PostgresStore) UpsertEscalationRequest(ctx context.Context, req EscalationRequest) error {
	if err := validateEscalation(req); err != nil {
		return err
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}

	err := s.span(ctx, "escalations", "INSERT", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO escalations (`+escalationColumns+`)
			VALUES ($1, $2, $3, NULLIF($4::text, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`,
			req.ID, req.ParentCallKey, req.ControlReference, req.SecondaryCallKey, req.SecondaryProvider,
			req.ItemRequested, req.CallerContext, req.HumanNumber, string(req.Status), req.Answer, req.FailureReason,
			req.RelayClaimedAt, req.CreatedAt, now, req.CompletedAt)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	if err != nil {
		return unavailable("upsert escalation", err)
	}
	return nil
}

const uniqueViolation = "23505"

func (s *PostgresStore) queryEscalation(ctx context.Context, where string, args ...interface{}) (*EscalationRequest, error) {
	var out *EscalationRequest
	err := s.span(ctx, "escalations", "SELECT", func(ctx context.Context) error {
		var err error
		out, err = scanEscalation(s.db.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations `+where, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, unavailable("find escalation", err)
	}
	return out, nil
}

func (s *PostgresStore) queryEscalations(ctx context.Context, where string, args ...interface{}) ([]EscalationRequest, error) {
	var out []EscalationRequest
	err := s.span(ctx, "escalations", "SELECT", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT `+escalationColumns+` FROM escalations `+where, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEscalation(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable("list escalations", err)
	}
	return out, nil
}

func (s *PostgresStore) FindEscalationByParentKey(ctx context.Context, parentKey string) (*EscalationRequest, error) {
	return s.queryEscalation(ctx, `WHERE parent_call_key = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, parentKey)
}

func (s *PostgresStore) FindEscalationBySecondaryKey(ctx context.Context, secondaryKey string) (*EscalationRequest, error) {
	if secondaryKey == "" {
		return nil, nil
	}
	return s.queryEscalation(ctx, `WHERE secondary_call_key = $1`, secondaryKey)
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id string) (*EscalationRequest, error) {
	return s.queryEscalation(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) ListEscalationsByParent(ctx context.Context, parentKey string, limit int) ([]EscalationRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEscalations(ctx, `WHERE parent_call_key = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, parentKey, limit)
}

func (s *PostgresStore) ListPendingEscalations(ctx context.Context, createdBefore time.Time, limit int) ([]EscalationRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEscalations(ctx, `WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2`,
		createdBefore.UTC(), limit)
}

func (s *PostgresStore) exec(ctx context.Context, op, sql string, args ...interface{}) (bool, error) {
	var affected int64
	err := s.span(ctx, "escalations", op, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, sql, args...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, unavailable(op, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ClaimEscalationRelay(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.exec(ctx, "CLAIM", `
		UPDATE escalations SET relay_claimed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND relay_claimed_at IS NULL`,
		id, at.UTC())
}

func (s *PostgresStore) TransitionEscalation(ctx context.Context, id string, t Transition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return s.exec(ctx, "TRANSITION", `
		UPDATE escalations SET
			status = $2,
			answer = CASE WHEN $3::text = '' THEN answer ELSE $3::text END,
			failure_reason = CASE WHEN $4::text = '' THEN failure_reason ELSE $4::text END,
			completed_at = $5,
			updated_at = $5
		WHERE id = $1 AND status = 'pending'`,
		id, string(t.To), t.Answer, t.FailureReason, at.UTC())
}

func (s *PostgresStore) GetCallRecord(ctx context.Context, key string) (*CallRecord, error) {
	var out *CallRecord
	err := s.span(ctx, "calls", "SELECT", func(ctx context.Context) error {
		var err error
		out, err = scanCall(s.db.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE conversation_key = $1`, key))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, unavailable("get call record", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTranscript(ctx context.Context, key string) (*Transcript, error) {
	var out *Transcript
	err := s.span(ctx, "transcripts", "SELECT", func(ctx context.Context) error {
		var err error
		out, err = scanTranscript(s.db.QueryRow(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE conversation_key = $1`, key))
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, unavailable("get transcript", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := postgres.HealthCheck(ctx, s.db, 2*time.Second); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
