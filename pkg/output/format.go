package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/goccy/go-yaml"

	"ratchet/pkg/taskerr"
)

// Output formats recognised by the filesystem destination.
const (
	FormatJSON        = "json"
	FormatJSONCompact = "json_compact"
	FormatYAML        = "yaml"
	FormatCSV         = "csv"
	FormatRaw         = "raw"
	formatTemplatePfx = "template:"
)

// FormatOutput renders the task output into the requested on-disk
// representation. JSON, compact JSON and YAML round-trip. CSV and
// template renderings are lossy, and raw writes string outputs without
// JSON quoting, so those formats do not round-trip.
func FormatOutput(format string, output json.RawMessage) ([]byte, error) {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	switch {
	case format == "" || format == FormatJSON:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, output, "", "  "); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "output is not valid json")
		}
		pretty.WriteByte('\n')
		return pretty.Bytes(), nil

	case format == FormatJSONCompact:
		var compact bytes.Buffer
		if err := json.Compact(&compact, output); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "output is not valid json")
		}
		return compact.Bytes(), nil

	case format == FormatYAML:
		var value interface{}
		if err := json.Unmarshal(output, &value); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "output is not valid json")
		}
		data, err := yaml.Marshal(value)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "yaml encoding failed")
		}
		return data, nil

	case format == FormatCSV:
		return formatCSV(output)

	case format == FormatRaw:
		// Strings are written as-is, everything else as its JSON text.
		var s string
		if err := json.Unmarshal(output, &s); err == nil {
			return []byte(s), nil
		}
		return []byte(output), nil

	case strings.HasPrefix(format, formatTemplatePfx):
		template := strings.TrimPrefix(format, formatTemplatePfx)
		var value interface{}
		if err := json.Unmarshal(output, &value); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "output is not valid json")
		}
		rendered, err := raymond.Render(template, value)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "output template render failed: %v", err)
		}
		return []byte(rendered), nil

	default:
		return nil, taskerr.New(taskerr.KindConfig, "unknown output format %q", format)
	}
}

// formatCSV renders an array of flat objects: header row from the first
// object's keys (sorted), one row per element.
func formatCSV(output json.RawMessage) ([]byte, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(output, &rows); err != nil {
		return nil, taskerr.New(taskerr.KindConfig, "csv format requires an array of objects")
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}

	header := make([]string, 0, len(rows[0]))
	for key := range rows[0] {
		header = append(header, key)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, key := range header {
			record[i] = csvCell(row[key])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func csvCell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
