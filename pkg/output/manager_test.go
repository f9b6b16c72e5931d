package output_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/models"
	"ratchet/pkg/output"
	"ratchet/pkg/storage/memory"
)

func TestManagerFilesystemAndWebhookFanOut(t *testing.T) {
	var webhookHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := t.TempDir()
	store := memory.NewMemoryStore()
	m := output.NewManager(output.Config{
		MaxConcurrentDeliveries: 4,
		AllowLoopbackTargets:    true,
	}, store, nil)

	out := sampleOutput()
	results := m.DeliverAll(context.Background(), out, []models.OutputDestination{
		{
			Type:       "filesystem",
			Path:       filepath.Join(dir, "out-{{job_id}}.json"),
			Format:     "json",
			CreateDirs: true,
			Overwrite:  true,
		},
		{
			Type:           "webhook",
			URL:            server.URL + "/post",
			Method:         "POST",
			TimeoutSeconds: 30,
		},
	})

	require.Len(t, results, 2)
	assert.True(t, output.AllSucceeded(results))
	assert.Equal(t, int32(1), webhookHits.Load())

	data, err := os.ReadFile(filepath.Join(dir, "out-42.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":42,"operation":"multiply"}`, string(data))

	// Both outcomes persisted.
	records := store.DeliveryRecords()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, rec.Success)
		assert.Equal(t, int64(42), *rec.JobID)
	}
}

func TestManagerDoesNotAbortOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	m := output.NewManager(output.Config{MaxConcurrentDeliveries: 2}, nil, nil)

	out := sampleOutput()
	results := m.DeliverAll(context.Background(), out, []models.OutputDestination{
		{Type: "filesystem", Path: "../escape.json"}, // rejected
		{Type: "unknown-kind"},                       // rejected
		{Type: "filesystem", Path: filepath.Join(dir, "ok.json"), Format: "json_compact", CreateDirs: true},
	})

	require.Len(t, results, 3)
	assert.Error(t, results[0].Error)
	assert.Error(t, results[1].Error)
	assert.NoError(t, results[2].Error)
	assert.True(t, results[2].Success)
	assert.False(t, output.AllSucceeded(results))
}

func TestManagerConcurrencyBound(t *testing.T) {
	const bound = 3
	var inFlight, peak atomic.Int32
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		mu.Lock()
		if current > peak.Load() {
			peak.Store(current)
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := output.NewManager(output.Config{
		MaxConcurrentDeliveries: bound,
		AllowLoopbackTargets:    true,
	}, nil, nil)

	configs := make([]models.OutputDestination, 12)
	for i := range configs {
		configs[i] = models.OutputDestination{
			Type:           "webhook",
			URL:            server.URL,
			Method:         "POST",
			TimeoutSeconds: 10,
		}
	}

	out := sampleOutput()
	results := m.DeliverAll(context.Background(), out, configs)
	require.Len(t, results, 12)
	assert.True(t, output.AllSucceeded(results))
	assert.LessOrEqual(t, peak.Load(), int32(bound))
}

func TestManagerTestConfigurations(t *testing.T) {
	m := output.NewManager(output.DefaultConfig(), nil, nil)

	errs := m.TestConfigurations([]models.OutputDestination{
		{Type: "filesystem", Path: "out/results.json", Format: "json"},
		{Type: "filesystem", Path: "../bad.json"},
		{Type: "webhook", URL: "https://example.com/hook", Method: "POST"},
		{Type: "webhook", URL: "http://localhost/hook"},
		{Type: "carrier-pigeon"},
	})

	require.Len(t, errs, 5)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])
	assert.Error(t, errs[3])
	assert.Error(t, errs[4])
}

func TestDeliveryContextVariables(t *testing.T) {
	out := sampleOutput()
	out.Meta = map[string]string{"team": "data"}
	out.Environment = "staging"
	dctx := output.NewDeliveryContext(out)

	rendered, err := dctx.Render("{{task_name}}@{{task_version}} job={{job_id}} on {{date}} hour={{hour}} env={{env}} team={{meta_team}}")
	require.NoError(t, err)
	assert.Equal(t, "test-multiply@1.0.0 job=42 on 2025-06-01 hour=12 env=staging team=data", rendered)

	assert.Equal(t, int64(12), dctx.Var("duration_ms"))
	assert.NotEmpty(t, dctx.Var("iso_timestamp"))
}
