package output_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/models"
	"ratchet/pkg/output"
)

func sampleOutput() *output.TaskOutput {
	return &output.TaskOutput{
		JobID:       42,
		TaskID:      1,
		ExecutionID: "exec-1",
		TaskName:    "test-multiply",
		TaskVersion: "1.0.0",
		Output:      json.RawMessage(`{"result":42,"operation":"multiply"}`),
		DurationMs:  12,
		CompletedAt: time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC),
	}
}

func deliverFS(t *testing.T, cfg models.OutputDestination, out *output.TaskOutput) *output.DeliveryResult {
	t.Helper()
	dest := output.NewFilesystemDestination(cfg)
	require.NoError(t, dest.Validate())
	return dest.Deliver(context.Background(), out, output.NewDeliveryContext(out))
}

func TestFilesystemDeliveryPrettyJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := models.OutputDestination{
		Type:       "filesystem",
		Path:       filepath.Join(dir, "out-{{job_id}}.json"),
		Format:     "json",
		CreateDirs: true,
		Overwrite:  true,
	}

	result := deliverFS(t, cfg, sampleOutput())
	require.NoError(t, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, filepath.Join(dir, "out-42.json"), result.Target)

	data, err := os.ReadFile(result.Target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":42,"operation":"multiply"}`, string(data))
	// Pretty output is indented.
	assert.Contains(t, string(data), "\n  \"result\"")

	// No temp file left behind.
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFilesystemTemplateVariables(t *testing.T) {
	dir := t.TempDir()
	cfg := models.OutputDestination{
		Type:       "filesystem",
		Path:       filepath.Join(dir, "{{year}}/{{month}}/{{day}}/{{task_name}}-{{execution_id}}.json"),
		CreateDirs: true,
	}

	result := deliverFS(t, cfg, sampleOutput())
	require.NoError(t, result.Error)
	assert.Equal(t, filepath.Join(dir, "2025/06/01/test-multiply-exec-1.json"), result.Target)
	_, err := os.Stat(result.Target)
	assert.NoError(t, err)
}

func TestFilesystemFormats(t *testing.T) {
	cases := []struct {
		format   string
		output   string
		contains string
	}{
		{"json_compact", `{"a":1,"b":2}`, `{"a":1,"b":2}`},
		{"yaml", `{"name":"ada","count":3}`, "name: ada"},
		{"csv", `[{"a":1,"b":"x"},{"a":2,"b":"y"}]`, "a,b\n1,x\n2,y\n"},
		{"raw", `"plain text line"`, "plain text line"},
		{"template:result={{result}}", `{"result":42}`, "result=42"},
	}
	for _, c := range cases {
		t.Run(c.format, func(t *testing.T) {
			dir := t.TempDir()
			cfg := models.OutputDestination{
				Type:      "filesystem",
				Path:      filepath.Join(dir, "out.dat"),
				Format:    c.format,
				Overwrite: true,
			}
			out := sampleOutput()
			out.Output = json.RawMessage(c.output)

			dest := output.NewFilesystemDestination(cfg)
			result := dest.Deliver(context.Background(), out, output.NewDeliveryContext(out))
			require.NoError(t, result.Error)

			data, err := os.ReadFile(result.Target)
			require.NoError(t, err)
			assert.Contains(t, string(data), c.contains)
		})
	}
}

func TestFilesystemExistingFilePolicies(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(target, []byte(`{"old":true}`), 0o644))

	// Default policy fails.
	cfg := models.OutputDestination{Type: "filesystem", Path: target, Format: "json_compact"}
	result := deliverFS(t, cfg, sampleOutput())
	require.Error(t, result.Error)
	assert.False(t, result.Success)

	// Overwrite replaces.
	cfg.Overwrite = true
	result = deliverFS(t, cfg, sampleOutput())
	require.NoError(t, result.Error)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":42,"operation":"multiply"}`, string(data))

	// Backup keeps the previous content aside.
	cfg.Overwrite = false
	cfg.BackupExisting = true
	result = deliverFS(t, cfg, sampleOutput())
	require.NoError(t, result.Error)

	backups, err := filepath.Glob(target + ".backup.*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestFilesystemBackupRotationCap(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(target, []byte(`{}`), 0o644))

	cfg := models.OutputDestination{
		Type:           "filesystem",
		Path:           target,
		Format:         "json_compact",
		BackupExisting: true,
	}
	for i := 0; i < 6; i++ {
		result := deliverFS(t, cfg, sampleOutput())
		require.NoError(t, result.Error)
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := filepath.Glob(target + ".backup.*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 3)
}

func TestFilesystemRejectsUnsafePaths(t *testing.T) {
	out := sampleOutput()
	for _, path := range []string{
		"../escape.json",
		"out/../../escape.json",
		"out/CON.json",
	} {
		dest := output.NewFilesystemDestination(models.OutputDestination{Type: "filesystem", Path: path})
		err := dest.Validate()
		if err == nil {
			result := dest.Deliver(context.Background(), out, output.NewDeliveryContext(out))
			err = result.Error
		}
		assert.Error(t, err, "path %q should be rejected", path)
	}
}

func TestFilesystemPermissions(t *testing.T) {
	dir := t.TempDir()
	cfg := models.OutputDestination{
		Type:        "filesystem",
		Path:        filepath.Join(dir, "out.json"),
		Format:      "json_compact",
		Permissions: 0o600,
	}

	result := deliverFS(t, cfg, sampleOutput())
	require.NoError(t, result.Error)

	info, err := os.Stat(result.Target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
