package database

import "time"

// RunRecord is one tracking run as stored in the ledger. Topics and Papers
// are only filled by the calls that say so.
type RunRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	DryRun      bool
	Found       int
	Known       int
	New         int
	Analyzed    int
	Failed      int
	Deferred    int
	Notified    bool
	HistoryPath string

	Topics []TopicRecord
	Papers []PaperRecord
}

// Duration is the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TopicRecord holds the counts of one topic in a run.
type TopicRecord struct {
	Topic        string
	Found        int
	Known        int
	New          int
	Analyzed     int
	Failed       int
	Skipped      int
	Deferred     int
	UsedFallback bool
}

// PaperRecord is a paper written to the history by a run.
type PaperRecord struct {
	RunID        string
	PaperID      string
	NormalizedID string
	Topic        string
	Title        string
	Published    string
	Failed       bool
}

// Stats contains aggregate ledger statistics.
type Stats struct {
	TotalRuns     int
	TotalAnalyzed int
	TotalFailed   int
	UniquePapers  int
	LastRunAt     *time.Time
}
