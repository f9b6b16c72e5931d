package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aymerick/raymond"

	"ratchet/pkg/taskerr"
)

// TaskOutput is a completed execution result entering the pipeline.
type TaskOutput struct {
	JobID       int64
	TaskID      int64
	ExecutionID string
	TaskName    string
	TaskVersion string
	Output      json.RawMessage
	DurationMs  int64
	CompletedAt time.Time
	Meta        map[string]string
	Environment string
}

// DeliveryContext carries the template variables destinations may
// reference in path, URL and body templates.
type DeliveryContext struct {
	vars map[string]interface{}
}

// NewDeliveryContext renders the variable set for one delivery:
// identifiers, timestamp breakdown, environment, plus meta_<key> and
// env_<name> expansions.
func NewDeliveryContext(out *TaskOutput) *DeliveryContext {
	ts := out.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.UTC()

	hostname, _ := os.Hostname()

	vars := map[string]interface{}{
		"job_id":        out.JobID,
		"task_id":       out.TaskID,
		"execution_id":  out.ExecutionID,
		"task_name":     out.TaskName,
		"task_version":  out.TaskVersion,
		"timestamp":     ts.Unix(),
		"iso_timestamp": ts.Format(time.RFC3339),
		"date":          ts.Format("2006-01-02"),
		"year":          ts.Format("2006"),
		"month":         ts.Format("01"),
		"day":           ts.Format("02"),
		"hour":          ts.Format("15"),
		"duration_ms":   out.DurationMs,
		"env":           out.Environment,
		"hostname":      hostname,
	}
	for key, value := range out.Meta {
		vars["meta_"+key] = value
	}
	for _, entry := range os.Environ() {
		if idx := strings.IndexByte(entry, '='); idx > 0 {
			vars["env_"+entry[:idx]] = entry[idx+1:]
		}
	}
	return &DeliveryContext{vars: vars}
}

// Render expands a Handlebars template against the context.
func (c *DeliveryContext) Render(template string) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	rendered, err := raymond.Render(template, c.vars)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindConfig, err, "template render failed: %v", err)
	}
	return rendered, nil
}

// Var returns one context variable (test and logging helper).
func (c *DeliveryContext) Var(name string) interface{} {
	return c.vars[name]
}

// DeliveryResult is the outcome of one destination delivery.
type DeliveryResult struct {
	Destination  string        `json:"destination"`
	Target       string        `json:"target"`
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	SizeBytes    int64         `json:"size_bytes"`
	ResponseInfo string        `json:"response_info,omitempty"`
	Error        error         `json:"-"`
}

// ErrorString renders the error for persistence.
func (r *DeliveryResult) ErrorString() *string {
	if r.Error == nil {
		return nil
	}
	s := r.Error.Error()
	return &s
}

func (r *DeliveryResult) String() string {
	if r.Success {
		return fmt.Sprintf("%s -> %s ok (%d bytes in %s)", r.Destination, r.Target, r.SizeBytes, r.Duration)
	}
	return fmt.Sprintf("%s -> %s failed: %v", r.Destination, r.Target, r.Error)
}
