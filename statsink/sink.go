// Package statsink is the server side of stat sync: it stores pending stats
// sent by devices and reports which ids it now holds.
package statsink

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	_ "github.com/lib/pq" // registers the "postgres" driver
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/krisalay/gameday-sync/queue"
)

// Dialect selects the placeholder style of the underlying driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS stat_events (
    id           TEXT PRIMARY KEY,
    athlete_id   TEXT NOT NULL,
    team_id      TEXT NOT NULL,
    stat_name    TEXT NOT NULL,
    stat_value   DOUBLE PRECISION NOT NULL,
    captured_at  BIGINT NOT NULL,
    received_at  BIGINT NOT NULL
)`

type Sink struct {
	db      *sql.DB
	dialect Dialect
	clock   quartz.Clock
	log     slog.Logger
}

type Option func(s *Sink)

func WithClock(clock quartz.Clock) Option {
	return func(s *Sink) {
		s.clock = clock
	}
}

func WithLogger(log slog.Logger) Option {
	return func(s *Sink) {
		s.log = log
	}
}

// Open connects with dialect's driver and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Sink, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, xerrors.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping %s: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}

	s := &Sink{db: db, dialect: dialect, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("statsink")
	return s, nil
}

// Validate reports why a stat cannot be stored, or nil.
func Validate(st queue.PendingStat) error {
	switch {
	case strings.TrimSpace(st.ID) == "":
		return xerrors.New("id is required")
	case strings.TrimSpace(st.AthleteID) == "":
		return xerrors.New("athlete id is required")
	case strings.TrimSpace(st.StatName) == "":
		return xerrors.New("stat name is required")
	case math.IsNaN(st.StatValue) || math.IsInf(st.StatValue, 0):
		return xerrors.New("stat value must be finite")
	}
	return nil
}

/*
Accept stores entries and returns the ids that are now held, in input order.
An id that was already stored counts as accepted, so a device retrying a
batch after a lost response gets the same answer. Invalid entries are left
out of the result and stay queued on the device.
*/
func (s *Sink) Accept(ctx context.Context, entries []queue.PendingStat) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO stat_events (
	id, athlete_id, team_id, stat_name, stat_value, captured_at, received_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return nil, xerrors.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	receivedAt := s.clock.Now().UnixMilli()
	accepted := make([]string, 0, len(entries))
	for _, st := range entries {
		if err := Validate(st); err != nil {
			s.log.Warn(ctx, "rejecting pending stat",
				slog.F("id", st.ID),
				slog.Error(err),
			)
			continue
		}
		_, err := stmt.ExecContext(ctx,
			st.ID, st.AthleteID, st.TeamID, st.StatName, st.StatValue, st.Timestamp, receivedAt,
		)
		if err != nil {
			return nil, xerrors.Errorf("insert %q: %w", st.ID, err)
		}
		accepted = append(accepted, st.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Errorf("commit: %w", err)
	}
	s.log.Debug(ctx, "stats accepted",
		slog.F("offered", len(entries)),
		slog.F("accepted", len(accepted)),
	)
	return accepted, nil
}

// List returns stored stats for athleteID ordered by capture time.
func (s *Sink) List(ctx context.Context, athleteID string) ([]queue.PendingStat, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, athlete_id, team_id, stat_name, stat_value, captured_at
FROM stat_events
WHERE athlete_id = ?
ORDER BY captured_at, id`), athleteID)
	if err != nil {
		return nil, xerrors.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var out []queue.PendingStat
	for rows.Next() {
		st := queue.PendingStat{Synced: true}
		if err := rows.Scan(&st.ID, &st.AthleteID, &st.TeamID, &st.StatName, &st.StatValue, &st.Timestamp); err != nil {
			return nil, xerrors.Errorf("scan stat: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("list stats: %w", err)
	}
	return out, nil
}

func (s *Sink) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Sink) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
