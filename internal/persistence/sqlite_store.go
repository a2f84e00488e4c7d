package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.RunJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, dedupe_key, agent_id, prompt, tenant_id, max_iterations, status, error,
			summary_json, created_at, updated_at, started_at, finished_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.RunJob, 0)
	for rows.Next() {
		var item jobs.RunJob
		var status, summaryJSON string
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.Source,
			&item.DedupeKey,
			&item.Payload.AgentID,
			&item.Payload.Prompt,
			&item.Payload.TenantID,
			&item.Payload.MaxIterations,
			&status,
			&item.Error,
			&summaryJSON,
			&item.CreatedAt,
			&item.UpdatedAt,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}
		item.Status = jobs.Status(status)
		if summaryJSON != "" {
			var summary jobs.RunSummary
			if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
				return nil, fmt.Errorf("decode summary of %s: %w", item.ID, err)
			}
			item.Summary = &summary
		}
		item.StartedAt = nullTimePtr(startedAt)
		item.FinishedAt = nullTimePtr(finishedAt)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.RunJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	summaryJSON := ""
	if job.Summary != nil {
		data, err := json.Marshal(job.Summary)
		if err != nil {
			return err
		}
		summaryJSON = string(data)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, source, dedupe_key, agent_id, prompt, tenant_id, max_iterations, status, error,
			summary_json, created_at, updated_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source=excluded.source,
			dedupe_key=excluded.dedupe_key,
			agent_id=excluded.agent_id,
			prompt=excluded.prompt,
			tenant_id=excluded.tenant_id,
			max_iterations=excluded.max_iterations,
			status=excluded.status,
			error=excluded.error,
			summary_json=excluded.summary_json,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at`,
		job.ID,
		job.Source,
		job.DedupeKey,
		job.Payload.AgentID,
		job.Payload.Prompt,
		job.Payload.TenantID,
		job.Payload.MaxIterations,
		string(job.Status),
		job.Error,
		summaryJSON,
		job.CreatedAt,
		job.UpdatedAt,
		timePtrValue(job.StartedAt),
		timePtrValue(job.FinishedAt),
	)
	return err
}

// SaveTranscript stores the transcript of a finished run, replacing any
// earlier one for the same run id.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t Transcript) error {
	messagesJSON, err := json.Marshal(t.Messages)
	if err != nil {
		return err
	}
	toolCallsJSON, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return err
	}
	traceJSON, err := json.Marshal(t.Trace)
	if err != nil {
		return err
	}
	createdAt := t.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO run_transcripts (
			run_id, agent_id, tenant_id, stop_reason, iterations, messages_json, tool_calls_json,
			trace_json, prompt_tokens, completion_tokens, total_tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			agent_id=excluded.agent_id,
			tenant_id=excluded.tenant_id,
			stop_reason=excluded.stop_reason,
			iterations=excluded.iterations,
			messages_json=excluded.messages_json,
			tool_calls_json=excluded.tool_calls_json,
			trace_json=excluded.trace_json,
			prompt_tokens=excluded.prompt_tokens,
			completion_tokens=excluded.completion_tokens,
			total_tokens=excluded.total_tokens,
			created_at=excluded.created_at`,
		t.RunID,
		t.AgentID,
		t.TenantID,
		t.StopReason,
		t.Iterations,
		string(messagesJSON),
		string(toolCallsJSON),
		string(traceJSON),
		t.Usage.PromptTokens,
		t.Usage.CompletionTokens,
		t.Usage.TotalTokens,
		createdAt,
	)
	return err
}

// GetTranscript returns the transcript of a run.
func (s *SQLiteStore) GetTranscript(ctx context.Context, runID string) (Transcript, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, agent_id, tenant_id, stop_reason, iterations, messages_json, tool_calls_json,
			trace_json, prompt_tokens, completion_tokens, total_tokens, created_at
		 FROM run_transcripts
		 WHERE run_id = ?`,
		runID,
	)

	var ret Transcript
	var messagesJSON, toolCallsJSON, traceJSON string
	if err := row.Scan(
		&ret.RunID,
		&ret.AgentID,
		&ret.TenantID,
		&ret.StopReason,
		&ret.Iterations,
		&messagesJSON,
		&toolCallsJSON,
		&traceJSON,
		&ret.Usage.PromptTokens,
		&ret.Usage.CompletionTokens,
		&ret.Usage.TotalTokens,
		&ret.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transcript{}, false, nil
		}
		return Transcript{}, false, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &ret.Messages); err != nil {
		return Transcript{}, false, err
	}
	if err := json.Unmarshal([]byte(toolCallsJSON), &ret.ToolCalls); err != nil {
		return Transcript{}, false, err
	}
	if err := json.Unmarshal([]byte(traceJSON), &ret.Trace); err != nil {
		return Transcript{}, false, err
	}
	return ret, true, nil
}

// UsageByAgent sums token usage per agent for runs stored at or after since.
func (s *SQLiteStore) UsageByAgent(ctx context.Context, since time.Time) ([]AgentUsage, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id, COUNT(*), SUM(iterations), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		 FROM run_transcripts
		 WHERE created_at >= ?
		 GROUP BY agent_id
		 ORDER BY agent_id ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]AgentUsage, 0)
	for rows.Next() {
		var item AgentUsage
		if err := rows.Scan(
			&item.AgentID,
			&item.Runs,
			&item.Iterations,
			&item.PromptTokens,
			&item.CompletionTokens,
			&item.TotalTokens,
		); err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// DeleteTranscriptsBefore removes transcripts stored before cutoff.
func (s *SQLiteStore) DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_transcripts WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteJobData removes all data associated with a job (its transcript).
func (s *SQLiteStore) DeleteJobData(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_transcripts WHERE run_id = ?`, jobID)
	return err
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
