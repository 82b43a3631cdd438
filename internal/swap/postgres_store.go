package swap

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists swap state logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed swap store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `swap_id, seq, state, payload, terminal, created_at`

// Append assigns the next sequence number in the insert itself. Two writers
// racing on one swap collide on the primary key and the loser gets
// ErrDuplicateState.
func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO swap_states (swap_id, seq, state, payload, terminal, created_at)
		SELECT $1::UUID, COALESCE(MAX(seq), 0) + 1, $2::VARCHAR, $3::JSONB, $4::BOOLEAN, NOW()
		FROM swap_states WHERE swap_id = $1
		RETURNING seq, created_at`,
		rec.SwapID, rec.State, string(rec.Payload), rec.Terminal,
	).Scan(&rec.Seq, &rec.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateState
	}
	return err
}

func (p *PostgresStore) Latest(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM swap_states
		WHERE swap_id = $1
		ORDER BY seq DESC
		LIMIT 1`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return r, err
}

func (p *PostgresStore) History(ctx context.Context, id uuid.UUID) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM swap_states
		WHERE swap_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrSwapNotFound
	}
	return result, nil
}

func (p *PostgresStore) ListUnfinished(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM (
			SELECT DISTINCT ON (swap_id) `+recordColumns+`
			FROM swap_states
			ORDER BY swap_id, seq DESC
		) latest
		WHERE NOT terminal
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var payload []byte
	if err := sc.Scan(&r.SwapID, &r.Seq, &r.State, &payload, &r.Terminal, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
