package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Postgres is a Log backed by the project_events table, so several hub
// instances can share one sequence per project.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL.
func OpenPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Migrate runs the embedded *.up.sql files in name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, projectID string, change protocol.FileChange) (protocol.SyncEvent, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("append_event", time.Since(start)) }()

	change = change.Normalize()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.SyncEvent{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO project_sequences (project_id, last_seq) VALUES ($1, 1)
		 ON CONFLICT (project_id) DO UPDATE SET last_seq = project_sequences.last_seq + 1
		 RETURNING last_seq`, projectID).Scan(&seq)
	if err != nil {
		return protocol.SyncEvent{}, fmt.Errorf("next seq: %w", err)
	}

	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO project_events (project_id, seq, path, op, hash, mtime, size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		projectID, seq, change.Path, string(change.Op),
		nullString(change.Hash), change.Mtime, change.Size,
	).Scan(&createdAt)
	if err != nil {
		return protocol.SyncEvent{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return protocol.SyncEvent{}, fmt.Errorf("commit: %w", err)
	}
	return protocol.SyncEvent{Seq: seq, Change: change, CreatedAt: createdAt.UTC()}, nil
}

func (p *Postgres) Since(ctx context.Context, projectID string, afterSeq int64, limit int) ([]protocol.SyncEvent, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("events_since", time.Since(start)) }()

	if limit <= 0 {
		limit = DefaultRetain
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT seq, path, op, hash, mtime, size, created_at
		 FROM project_events WHERE project_id = $1 AND seq > $2
		 ORDER BY seq LIMIT $3`, projectID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []protocol.SyncEvent
	for rows.Next() {
		var (
			ev   protocol.SyncEvent
			op   string
			hash sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.Change.Path, &op, &hash, &ev.Change.Mtime, &ev.Change.Size, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Change.Op = protocol.Op(op)
		ev.Change.Hash = hash.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
