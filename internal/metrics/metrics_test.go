package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDocuments(t *testing.T) {
	r := New()
	r.ObserveDocuments("Security", StageFound, 10)
	r.ObserveDocuments("Security", StageFound, 2)
	r.ObserveDocuments("Security", StageAnalyzed, 0)
	r.ObserveArtifactFailures("Security", 1)
	r.ObserveCompaction(3)
	r.ObserveCompaction(0)
	r.ObserveNotification(true)

	assert.Equal(t, 12.0, testutil.ToFloat64(r.documentsTotal.WithLabelValues("Security", StageFound)))
	assert.Equal(t, 1, testutil.CollectAndCount(r.documentsTotal), "zero adds create no series")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.artifactFailuresTotal.WithLabelValues("Security")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.historyCompacted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notificationsTotal.WithLabelValues("sent")))
}

func TestObserveRun(t *testing.T) {
	r := New()
	start := time.Unix(1_750_000_000, 0)
	r.ObserveRun(start, start.Add(95*time.Second), true)

	assert.Equal(t, 95.0, testutil.ToFloat64(r.runDuration))
	assert.Equal(t, float64(start.Unix()+95), testutil.ToFloat64(r.lastRunTimestamp))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lastRunSuccess))

	r.ObserveRun(start, start, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastRunSuccess))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveDocuments("Software Engineering", StageSelected, 5)
	r.ObserveRun(time.Unix(0, 0), time.Unix(10, 0), true)

	path := filepath.Join(t.TempDir(), "papertracker.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `papertracker_documents_total{stage="selected",topic="Software Engineering"} 5`)
	assert.Contains(t, text, "papertracker_run_duration_seconds 10")

	assert.Error(t, r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}
