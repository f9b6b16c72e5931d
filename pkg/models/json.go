package models

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// JSONB column wrappers need to implement Scanner/Valuer for GORM

// RawJSON stores an arbitrary JSON document in a jsonb column.
type RawJSON json.RawMessage

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*r = append((*r)[:0], v...)
	case string:
		*r = RawJSON(v)
	default:
		return errors.New("unsupported type for RawJSON scan")
	}
	return nil
}

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// JSONMap stores a string-keyed object in a jsonb column.
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, sok := value.(string)
		if !sok {
			return errors.New("unsupported type for JSONMap scan")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, m)
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// AuthKind selects webhook authentication.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api_key"
	AuthHmac   AuthKind = "hmac"
)

// WebhookAuth configures destination authentication.
type WebhookAuth struct {
	Kind     AuthKind `json:"kind"`
	Token    string   `json:"token,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Header   string   `json:"header,omitempty"` // api_key header name
	Key      string   `json:"key,omitempty"`    // api_key value / hmac secret
}

// RetryPolicy configures webhook delivery retries.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Jitter            bool    `json:"jitter"`
}

// DefaultRetryPolicy returns the standard webhook retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// OutputDestination is one sink for an execution's output. Type selects
// which of the field groups applies.
type OutputDestination struct {
	Type string `json:"type"` // "filesystem" or "webhook"

	// Filesystem fields
	Path           string `json:"path,omitempty"`
	Format         string `json:"format,omitempty"` // json, json_compact, yaml, csv, raw, template:<tpl>
	Permissions    uint32 `json:"permissions,omitempty"`
	CreateDirs     bool   `json:"create_dirs,omitempty"`
	Overwrite      bool   `json:"overwrite,omitempty"`
	BackupExisting bool   `json:"backup_existing,omitempty"`

	// Webhook fields
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy,omitempty"`
	Auth           *WebhookAuth      `json:"auth,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
}

// DestinationList stores the destination configs attached to a job or
// schedule as a jsonb array.
type DestinationList []OutputDestination

func (d *DestinationList) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, sok := value.(string)
		if !sok {
			return errors.New("unsupported type for DestinationList scan")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, d)
}

func (d DestinationList) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// CanonicalJSON re-encodes a JSON document into its canonical form:
// compact, object keys sorted, no insignificant whitespace. Empty input
// canonicalizes to "null" so absent schemas hash stably.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// TaskChecksum computes SHA-256 over the source code concatenated with
// the canonical forms of both schemas. Recomputed after every sync write.
func TaskChecksum(sourceCode string, inputSchema, outputSchema []byte) (string, error) {
	in, err := CanonicalJSON(inputSchema)
	if err != nil {
		return "", err
	}
	out, err := CanonicalJSON(outputSchema)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(sourceCode))
	h.Write(in)
	h.Write(out)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Timestamp truncates to millisecond precision, the resolution stored in
// execution records.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
