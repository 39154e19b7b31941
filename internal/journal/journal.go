// Package journal persists an append-only audit trail of committed ledger
// operations. Journal writes are observability, not part of the ledger's
// transactional boundary: a dead database degrades to logged drops.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/stakevault/pkg/circuit"
)

// Entry is one committed operation.
type Entry struct {
	ID            string
	Op            string // "open_stake", "close_stake", "add_reserve", "remove_reserve"
	Actor         string
	Amount        string
	Reward        string
	Penalty       string
	PositionIndex *int
	CorrelationID string
	RecordedAt    time.Time
}

// Journal writes entries to Postgres through a circuit breaker.
type Journal struct {
	db      *sql.DB
	breaker *circuit.Breaker
	log     *logrus.Entry
}

// New creates a journal backed by db.
func New(db *sql.DB) *Journal {
	return &Journal{
		db: db,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "journal",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		log: logrus.WithField("component", "journal"),
	}
}

// EnsureSchema creates the journal table if missing.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_journal (
			id             TEXT PRIMARY KEY,
			op             TEXT NOT NULL,
			actor          TEXT NOT NULL,
			amount         TEXT NOT NULL,
			reward         TEXT,
			penalty        TEXT,
			position_index INT,
			correlation_id TEXT,
			recorded_at    TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Record appends an entry. Failures are absorbed: they trip the breaker and
// are logged, never surfaced to the ledger operation that produced the entry.
func (j *Journal) Record(ctx context.Context, e Entry) {
	e.ID = uuid.New().String()
	e.RecordedAt = time.Now()

	err := j.breaker.Execute(ctx, func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO ledger_journal (id, op, actor, amount, reward, penalty, position_index, correlation_id, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.Op, e.Actor, e.Amount,
			nullable(e.Reward), nullable(e.Penalty), e.PositionIndex,
			nullable(e.CorrelationID), e.RecordedAt,
		)
		return err
	})
	if err != nil {
		j.log.WithError(err).WithField("op", e.Op).Warn("journal write dropped")
	}
}

// Recent returns the newest entries for an actor, newest first.
func (j *Journal) Recent(ctx context.Context, actor string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, op, actor, amount, COALESCE(reward, ''), COALESCE(penalty, ''), position_index, COALESCE(correlation_id, ''), recorded_at
		 FROM ledger_journal WHERE actor = $1 ORDER BY recorded_at DESC LIMIT $2`,
		actor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Op, &e.Actor, &e.Amount, &e.Reward, &e.Penalty, &e.PositionIndex, &e.CorrelationID, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
