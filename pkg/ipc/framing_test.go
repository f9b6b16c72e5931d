package ipc_test

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/ipc"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf)

	jobID := int64(42)
	env := &ipc.Envelope{
		Kind:          ipc.KindExecuteTask,
		JobID:         &jobID,
		CorrelationID: "11111111-2222-3333-4444-555555555555",
		TaskPath:      "tasks/test-multiply",
		Input:         json.RawMessage(`{"a":6,"b":7}`),
		Context: &ipc.ExecutionContext{
			ExecutionID: "exec-1",
			TaskID:      "task-1",
			TaskVersion: "1.0.0",
			JobID:       &jobID,
		},
		Task: &ipc.TaskPayload{
			Name:    "test-multiply",
			Version: "1.0.0",
			Source:  "function main(i){return {result:i.a*i.b};}",
		},
	}
	require.NoError(t, w.Write(env))

	r := ipc.NewReader(&buf)
	got, err := r.Read()
	require.NoError(t, err)

	assert.Equal(t, ipc.KindExecuteTask, got.Kind)
	assert.Equal(t, int64(42), *got.JobID)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)
	assert.JSONEq(t, `{"a":6,"b":7}`, string(got.Input))
	assert.Equal(t, "exec-1", got.Context.ExecutionID)
	assert.Equal(t, "test-multiply", got.Task.Name)
}

func TestFrameFIFOOrdering(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf)

	for i := 0; i < 10; i++ {
		id := int64(i)
		require.NoError(t, w.Write(&ipc.Envelope{Kind: ipc.KindCancel, JobID: &id}))
	}

	r := ipc.NewReader(&buf)
	for i := 0; i < 10; i++ {
		env, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, int64(i), *env.JobID)
	}
	_, err := r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestMalformedFrame(t *testing.T) {
	r := ipc.NewReader(bytes.NewBufferString("{not json}\n"))
	_, err := r.Read()
	require.Error(t, err)

	var malformed *ipc.MalformedFrameError
	assert.ErrorAs(t, err, &malformed)
}

func TestMissingKindIsMalformed(t *testing.T) {
	r := ipc.NewReader(bytes.NewBufferString(`{"job_id":1}` + "\n"))
	_, err := r.Read()

	var malformed *ipc.MalformedFrameError
	assert.ErrorAs(t, err, &malformed)
}

func TestBlankLinesSkipped(t *testing.T) {
	r := ipc.NewReader(bytes.NewBufferString("\n\n" + `{"kind":"Ping","correlation_id":"c1"}` + "\n"))
	env, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, ipc.KindPing, env.Kind)
	assert.Equal(t, "c1", env.CorrelationID)
}

func TestTaskResultWireShape(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := "boom"
	env := &ipc.Envelope{
		Kind:          ipc.KindTaskResult,
		CorrelationID: "c2",
		Result: &ipc.TaskResult{
			Success:      false,
			ErrorMessage: &msg,
			ErrorKind:    "JS_RUNTIME",
			StartedAt:    now,
			CompletedAt:  now.Add(25 * time.Millisecond),
			DurationMs:   25,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, ipc.NewWriter(&buf).Write(env))

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &wire))
	assert.Equal(t, "TaskResult", wire["kind"])

	result := wire["result"].(map[string]interface{})
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "boom", result["error_message"])
	assert.Equal(t, "2025-06-01T12:00:00Z", result["started_at"])
}
