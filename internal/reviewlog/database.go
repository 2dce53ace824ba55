// Package reviewlog keeps the append-only history of graded answers in a
// SQLite database next to the decks. It feeds statistics only; scheduling
// never reads it.
package reviewlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Registers the sqlite driver

	"github.com/conorfennell/knoldeck/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const FileName = "reviews.db"

var sqlBuilder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

// gooseUp is a seam for testing migration failures.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Log is a handle on the review database.
type Log struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open review log: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to review log: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db, log: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUp(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate review log: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores one review record.
func (l *Log) Append(ctx context.Context, r domain.ReviewRecord) error {
	query, args, err := sqlBuilder.Insert("reviews").
		Columns("deck", "card_id", "grade", "suggested", "accepted", "correct", "match_kind", "latency_ms", "reviewed_at").
		Values(r.Deck, r.CardID, int(r.Grade), int(r.Suggested), r.Accepted, r.Correct, r.Match,
			r.Latency.Milliseconds(), r.ReviewedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append review for card %s: %w", r.CardID, err)
	}
	return nil
}

// Accuracy counts reviews and how many were answered correctly.
type Accuracy struct {
	Total   int
	Correct int
}

// Percent returns the correct share in percent, or 0 without reviews.
func (a Accuracy) Percent() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total) * 100
}

func filter(q squirrel.SelectBuilder, deck string, since time.Time) squirrel.SelectBuilder {
	if deck != "" {
		q = q.Where(squirrel.Eq{"deck": deck})
	}
	if !since.IsZero() {
		q = q.Where(squirrel.GtOrEq{"reviewed_at": since.UnixMilli()})
	}
	return q
}

// Accuracy summarises reviews of deck at or after since. An empty deck
// covers every deck and a zero since covers all time.
func (l *Log) Accuracy(ctx context.Context, deck string, since time.Time) (Accuracy, error) {
	query, args, err := filter(sqlBuilder.Select("COUNT(*)", "COALESCE(SUM(correct), 0)").From("reviews"), deck, since).ToSql()
	if err != nil {
		return Accuracy{}, fmt.Errorf("failed to build query: %w", err)
	}
	var a Accuracy
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&a.Total, &a.Correct); err != nil {
		return Accuracy{}, fmt.Errorf("failed to compute accuracy: %w", err)
	}
	return a, nil
}

// CountSince returns how many reviews of deck happened at or after since.
func (l *Log) CountSince(ctx context.Context, deck string, since time.Time) (int, error) {
	a, err := l.Accuracy(ctx, deck, since)
	return a.Total, err
}

// Recent returns up to limit of the latest reviews of deck, newest first.
func (l *Log) Recent(ctx context.Context, deck string, limit int) ([]domain.ReviewRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := filter(sqlBuilder.Select(
		"deck", "card_id", "grade", "suggested", "accepted", "correct", "match_kind", "latency_ms", "reviewed_at",
	).From("reviews"), deck, time.Time{}).
		OrderBy("reviewed_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var out []domain.ReviewRecord
	for rows.Next() {
		var (
			r                  domain.ReviewRecord
			grade, suggested   int
			latencyMs, atMilli int64
		)
		if err := rows.Scan(&r.Deck, &r.CardID, &grade, &suggested, &r.Accepted, &r.Correct, &r.Match, &latencyMs, &atMilli); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		r.Grade = domain.Grade(grade)
		r.Suggested = domain.Grade(suggested)
		r.Latency = time.Duration(latencyMs) * time.Millisecond
		r.ReviewedAt = time.UnixMilli(atMilli)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RenameDeck moves the history of a deck to its new slug.
func (l *Log) RenameDeck(ctx context.Context, from, to string) error {
	query, args, err := sqlBuilder.Update("reviews").Set("deck", to).Where(squirrel.Eq{"deck": from}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to rename deck history: %w", err)
	}
	n, _ := res.RowsAffected()
	l.log.Debug("Review history renamed", "from", from, "to", to, "rows", n)
	return nil
}

// DeleteDeck drops the history of a deck.
func (l *Log) DeleteDeck(ctx context.Context, deck string) error {
	query, args, err := sqlBuilder.Delete("reviews").Where(squirrel.Eq{"deck": deck}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete deck history: %w", err)
	}
	return nil
}
