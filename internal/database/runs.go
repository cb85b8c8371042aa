package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var runColumns = []string{
	"id", "started_at", "finished_at", "dry_run", "found", "known", "new_count",
	"analyzed", "failed", "deferred", "notified", "history_path",
}

// InsertRun stores a run with its topics and papers in one transaction.
func (db *DB) InsertRun(r RunRecord) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = psql.Insert("runs").Columns(runColumns...).
		Values(r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.DryRun,
			r.Found, r.Known, r.New, r.Analyzed, r.Failed, r.Deferred, r.Notified, r.HistoryPath).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.ID, err)
	}

	if len(r.Topics) > 0 {
		ins := psql.Insert("run_topics").Columns("run_id", "position", "topic", "found", "known",
			"new_count", "analyzed", "failed", "skipped", "deferred", "used_fallback")
		for i, t := range r.Topics {
			ins = ins.Values(r.ID, i, t.Topic, t.Found, t.Known, t.New, t.Analyzed, t.Failed,
				t.Skipped, t.Deferred, t.UsedFallback)
		}
		if _, err := ins.RunWith(tx).Exec(); err != nil {
			return fmt.Errorf("inserting topics of run %s: %w", r.ID, err)
		}
	}

	if len(r.Papers) > 0 {
		ins := psql.Insert("analyzed_papers").Columns("run_id", "position", "paper_id",
			"normalized_id", "topic", "title", "published", "failed")
		for i, p := range r.Papers {
			ins = ins.Values(r.ID, i, p.PaperID, p.NormalizedID, p.Topic, p.Title, p.Published, p.Failed)
		}
		if _, err := ins.RunWith(tx).Exec(); err != nil {
			return fmt.Errorf("inserting papers of run %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// GetRecentRuns returns up to limit runs, newest first, without topics or
// papers.
func (db *DB) GetRecentRuns(limit int) ([]RunRecord, error) {
	q := psql.Select(runColumns...).From("runs").OrderBy("started_at DESC", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetLastRun returns the most recent non-dry run with its topics, or nil
// if there is none.
func (db *DB) GetLastRun() (*RunRecord, error) {
	return db.getRun(psql.Select(runColumns...).From("runs").
		Where(sq.Eq{"dry_run": false}).OrderBy("started_at DESC").Limit(1))
}

// GetRun returns the run with its topics, or nil if it does not exist.
func (db *DB) GetRun(id string) (*RunRecord, error) {
	return db.getRun(psql.Select(runColumns...).From("runs").Where(sq.Eq{"id": id}))
}

func (db *DB) getRun(q sq.SelectBuilder) (*RunRecord, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanRun(db.conn.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	topics, err := db.GetRunTopics(r.ID)
	if err != nil {
		return nil, err
	}
	r.Topics = topics
	return r, nil
}

// GetRunTopics returns the per-topic counts of a run in processing order.
func (db *DB) GetRunTopics(runID string) ([]TopicRecord, error) {
	query, args, err := psql.Select("topic", "found", "known", "new_count", "analyzed", "failed",
		"skipped", "deferred", "used_fallback").
		From("run_topics").Where(sq.Eq{"run_id": runID}).OrderBy("position").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []TopicRecord
	for rows.Next() {
		var t TopicRecord
		if err := rows.Scan(&t.Topic, &t.Found, &t.Known, &t.New, &t.Analyzed, &t.Failed,
			&t.Skipped, &t.Deferred, &t.UsedFallback); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// GetRunPapers returns the papers a run wrote to the history, in order.
func (db *DB) GetRunPapers(runID string) ([]PaperRecord, error) {
	query, args, err := psql.Select("run_id", "paper_id", "normalized_id", "topic", "title",
		"COALESCE(published, '')", "failed").
		From("analyzed_papers").Where(sq.Eq{"run_id": runID}).OrderBy("position").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var papers []PaperRecord
	for rows.Next() {
		var p PaperRecord
		if err := rows.Scan(&p.RunID, &p.PaperID, &p.NormalizedID, &p.Topic, &p.Title,
			&p.Published, &p.Failed); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// GetStats returns aggregate statistics over non-dry runs.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	var last sql.NullString

	query, args, err := psql.Select("COUNT(*)", "COALESCE(SUM(analyzed), 0)", "COALESCE(SUM(failed), 0)", "MAX(started_at)").
		From("runs").Where(sq.Eq{"dry_run": false}).ToSql()
	if err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(query, args...).Scan(&s.TotalRuns, &s.TotalAnalyzed, &s.TotalFailed, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		t, err := parseTime(last.String)
		if err != nil {
			return nil, err
		}
		s.LastRunAt = &t
	}

	query, args, err = psql.Select("COUNT(DISTINCT normalized_id)").From("analyzed_papers").ToSql()
	if err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(query, args...).Scan(&s.UniquePapers); err != nil {
		return nil, err
	}
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var started, finished string
	var historyPath sql.NullString
	if err := row.Scan(&r.ID, &started, &finished, &r.DryRun, &r.Found, &r.Known, &r.New,
		&r.Analyzed, &r.Failed, &r.Deferred, &r.Notified, &historyPath); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	r.HistoryPath = historyPath.String
	return &r, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
