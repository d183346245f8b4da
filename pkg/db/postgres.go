package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresLedger is a Ledger kept in PostgreSQL, for deployments that run several relayer instances against shared
// storage or want the ledger in their existing database backups.
type PostgresLedger struct {
	db *sql.DB
}

var _ Ledger = (*PostgresLedger)(nil)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS relayer_settlements (
		id VARCHAR(66) PRIMARY KEY,
		state VARCHAR(32) NOT NULL,
		record JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relayer_settlements_state ON relayer_settlements (state)`,
	`CREATE TABLE IF NOT EXISTS relayer_cursor (
		id INTEGER PRIMARY KEY DEFAULT 1,
		block BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		CONSTRAINT single_row CHECK (id = 1)
	)`,
}

// OpenPostgres connects to url and creates the ledger tables if they don't exist yet.
func OpenPostgres(url string) (*PostgresLedger, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	for _, q := range postgresMigrations {
		if _, err := conn.Exec(q); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return &PostgresLedger{db: conn}, nil
}

func (p *PostgresLedger) Close() error {
	return p.db.Close()
}

func (p *PostgresLedger) ClaimSettlement(r *SettlementRecord) (*SettlementRecord, bool, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, false, ErrMarshal
	}

	res, err := p.db.Exec(
		`INSERT INTO relayer_settlements (id, state, record) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		r.ID, string(r.State), b)
	if err != nil {
		return nil, false, &DBError{Op: OpUpdate, Key: settlementKey(r.ID), Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, &DBError{Op: OpUpdate, Key: settlementKey(r.ID), Err: err}
	}
	if n == 1 {
		settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
		return nil, true, nil
	}

	existing, err := p.GetSettlement(r.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresLedger) StoreSettlement(r *SettlementRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return ErrMarshal
	}

	_, err = p.db.Exec(
		`INSERT INTO relayer_settlements (id, state, record) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, record = EXCLUDED.record, updated_at = NOW()`,
		r.ID, string(r.State), b)
	if err != nil {
		return &DBError{Op: OpUpdate, Key: settlementKey(r.ID), Err: err}
	}

	settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
	return nil
}

func (p *PostgresLedger) TransitionSettlement(r *SettlementRecord, from SettlementState, attempts int) (bool, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return false, ErrMarshal
	}

	res, err := p.db.Exec(
		`UPDATE relayer_settlements SET state = $2, record = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4 AND (record->>'finalizeAttempts')::int = $5`,
		r.ID, string(r.State), b, string(from), attempts)
	if err != nil {
		return false, &DBError{Op: OpUpdate, Key: settlementKey(r.ID), Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &DBError{Op: OpUpdate, Key: settlementKey(r.ID), Err: err}
	}
	if n == 0 {
		return false, nil
	}
	settlementWritesTotal.WithLabelValues(string(r.State)).Inc()
	return true, nil
}

func (p *PostgresLedger) GetSettlement(id string) (*SettlementRecord, error) {
	var b []byte
	err := p.db.QueryRow(`SELECT record FROM relayer_settlements WHERE id = $1`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, &DBError{Op: OpRead, Key: settlementKey(id), Err: err}
	}

	var r SettlementRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, ErrUnmarshal
	}
	return &r, nil
}

func (p *PostgresLedger) ListSettlements(states ...SettlementState) ([]*SettlementRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = p.db.Query(`SELECT record FROM relayer_settlements ORDER BY id`)
	} else {
		s := make([]string, len(states))
		for i := range states {
			s[i] = string(states[i])
		}
		rows, err = p.db.Query(`SELECT record FROM relayer_settlements WHERE state = ANY($1) ORDER BY id`, pq.Array(s))
	}
	if err != nil {
		return nil, &DBError{Op: OpRead, Key: []byte("relayer_settlements"), Err: err}
	}
	defer rows.Close()

	var out []*SettlementRecord
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, &DBError{Op: OpRead, Key: []byte("relayer_settlements"), Err: err}
		}
		var r SettlementRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, ErrUnmarshal
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &DBError{Op: OpRead, Key: []byte("relayer_settlements"), Err: err}
	}
	return out, nil
}

func (p *PostgresLedger) GetCursor() (uint64, error) {
	var block int64
	err := p.db.QueryRow(`SELECT block FROM relayer_cursor WHERE id = 1`).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCursorNotFound
	}
	if err != nil {
		return 0, &DBError{Op: OpRead, Key: cursorKey, Err: err}
	}
	return uint64(block), nil // #nosec G115 -- stored from a uint64
}

func (p *PostgresLedger) StoreCursor(block uint64) error {
	_, err := p.db.Exec(
		`INSERT INTO relayer_cursor (id, block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET block = EXCLUDED.block, updated_at = NOW()`,
		int64(block)) // #nosec G115 -- block numbers fit in int64
	if err != nil {
		return &DBError{Op: OpUpdate, Key: cursorKey, Err: err}
	}
	return nil
}
