package validation

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"ratchet/pkg/taskerr"
)

// Default limits applied to untrusted JSON input.
const (
	MaxJSONSize      = 10 * 1024 * 1024 // 10 MiB
	MaxStringLength  = 10000
	MaxArrayLength   = 1000
	MaxObjectDepth   = 20
	MaxKeysPerObject = 100
)

// Limits bounds the size and shape of accepted JSON.
type Limits struct {
	MaxJSONSize      int
	MaxStringLength  int
	MaxArrayLength   int
	MaxObjectDepth   int
	MaxKeysPerObject int
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{
		MaxJSONSize:      MaxJSONSize,
		MaxStringLength:  MaxStringLength,
		MaxArrayLength:   MaxArrayLength,
		MaxObjectDepth:   MaxObjectDepth,
		MaxKeysPerObject: MaxKeysPerObject,
	}
}

var (
	taskNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	semverRegex   = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*|[0-9a-zA-Z-]*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*|[0-9a-zA-Z-]*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

	injectionPatterns = []*regexp.Regexp{
		// SQL
		regexp.MustCompile(`(?i)(\bunion\b.+\bselect\b|\bselect\b.+\bfrom\b.+\bwhere\b|\bdrop\s+table\b|\binsert\s+into\b|\bdelete\s+from\b)`),
		regexp.MustCompile(`(?i)('\s*or\s+'?1'?\s*=\s*'?1|--\s|;\s*drop\b)`),
		// XSS
		regexp.MustCompile(`(?i)(<script[^>]*>|javascript\s*:|\bon(load|error|click|mouseover)\s*=)`),
		// Shell
		regexp.MustCompile("(?i)(;\\s*(rm|cat|ls|wget|curl|nc|bash|sh)\\b|\\$\\([^)]*\\)|`[^`]*`)"),
		// Path traversal
		regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/)`),
	}

	// Hosts that are never a legitimate fetch or webhook target.
	blockedHosts = map[string]bool{
		"localhost":                true,
		"127.0.0.1":                true,
		"0.0.0.0":                  true,
		"169.254.169.254":          true,
		"metadata.google.internal": true,
		"169.254.0.1":              true,
	}

	windowsReservedNames = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
		"COM1": true, "COM2": true, "COM3": true, "COM4": true,
		"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
		"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
		"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
	}
)

// Validator performs centralised input sanitation.
type Validator struct {
	limits Limits
}

// New creates a validator with default limits.
func New() *Validator {
	return &Validator{limits: DefaultLimits()}
}

// WithLimits creates a validator with custom limits.
func WithLimits(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// ValidateJSON parses raw JSON and enforces size and shape limits.
func (v *Validator) ValidateJSON(raw []byte) (interface{}, error) {
	if len(raw) > v.limits.MaxJSONSize {
		return nil, taskerr.New(taskerr.KindSchemaValidation,
			"json size %d exceeds maximum %d bytes", len(raw), v.limits.MaxJSONSize)
	}
	var value interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, taskerr.Wrap(taskerr.KindSchemaValidation, err, "invalid json")
	}
	if err := v.checkValue(value, 0); err != nil {
		return nil, err
	}
	return value, nil
}

func (v *Validator) checkValue(value interface{}, depth int) error {
	if depth > v.limits.MaxObjectDepth {
		return taskerr.New(taskerr.KindSchemaValidation,
			"nesting depth exceeds maximum %d", v.limits.MaxObjectDepth)
	}
	switch val := value.(type) {
	case string:
		return v.checkString(val)
	case []interface{}:
		if len(val) > v.limits.MaxArrayLength {
			return taskerr.New(taskerr.KindSchemaValidation,
				"array length %d exceeds maximum %d", len(val), v.limits.MaxArrayLength)
		}
		for _, item := range val {
			if err := v.checkValue(item, depth+1); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		if len(val) > v.limits.MaxKeysPerObject {
			return taskerr.New(taskerr.KindSchemaValidation,
				"object has %d keys, maximum is %d", len(val), v.limits.MaxKeysPerObject)
		}
		for key, item := range val {
			if err := v.checkString(key); err != nil {
				return err
			}
			if err := v.checkValue(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) checkString(s string) error {
	if len(s) > v.limits.MaxStringLength {
		return taskerr.New(taskerr.KindSchemaValidation,
			"string length %d exceeds maximum %d", len(s), v.limits.MaxStringLength)
	}
	return CheckText(s)
}

// CheckText rejects null bytes and control characters other than \n \r \t.
func CheckText(s string) error {
	for _, r := range s {
		if r == 0 {
			return taskerr.New(taskerr.KindSchemaValidation, "string contains null byte")
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return taskerr.New(taskerr.KindSchemaValidation,
				"string contains control character 0x%02x", r)
		}
	}
	return nil
}

// CheckInjection scans a string against the fixed injection pattern set.
func CheckInjection(s string) error {
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(s) {
			return taskerr.New(taskerr.KindSchemaValidation,
				"input matches injection pattern %q", pattern.String())
		}
	}
	return nil
}

// ValidateString applies text, length and injection checks to one field.
func (v *Validator) ValidateString(s, field string) error {
	if len(s) > v.limits.MaxStringLength {
		return taskerr.New(taskerr.KindSchemaValidation,
			"%s length %d exceeds maximum %d", field, len(s), v.limits.MaxStringLength)
	}
	if err := CheckText(s); err != nil {
		return err
	}
	if err := CheckInjection(s); err != nil {
		return err
	}
	return nil
}

// ValidateTaskName enforces the task naming contract.
func ValidateTaskName(name string) error {
	if !taskNameRegex.MatchString(name) {
		return taskerr.New(taskerr.KindSchemaValidation,
			"task name %q must match ^[A-Za-z0-9_-]{1,100}$", name)
	}
	return nil
}

// ValidateSemver enforces canonical semantic versioning.
func ValidateSemver(version string) error {
	if !semverRegex.MatchString(version) {
		return taskerr.New(taskerr.KindSchemaValidation,
			"version %q is not a valid semantic version", version)
	}
	return nil
}

// ValidateSafePath rejects traversal, null bytes, reserved device names
// and absolute paths escaping the allowed prefix. An empty allowPrefix
// permits any absolute path.
func ValidateSafePath(path, allowPrefix string) error {
	if path == "" {
		return taskerr.New(taskerr.KindConfig, "path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return taskerr.New(taskerr.KindConfig, "path contains null byte")
	}
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return taskerr.New(taskerr.KindConfig, "path %q contains parent traversal", path)
		}
		base := strings.ToUpper(segment)
		if idx := strings.IndexByte(base, '.'); idx >= 0 {
			base = base[:idx]
		}
		if windowsReservedNames[base] {
			return taskerr.New(taskerr.KindConfig, "path segment %q is a reserved device name", segment)
		}
	}
	if allowPrefix != "" && filepath.IsAbs(path) {
		cleanPath := filepath.Clean(path)
		cleanPrefix := filepath.Clean(allowPrefix)
		if cleanPath != cleanPrefix && !strings.HasPrefix(cleanPath, cleanPrefix+string(filepath.Separator)) {
			return taskerr.New(taskerr.KindConfig,
				"path %q escapes allowed prefix %q", path, allowPrefix)
		}
	}
	return nil
}

// ValidateURL enforces the outbound URL policy: http(s) only, no
// link-local metadata endpoints, no loopback/private/multicast literals.
func ValidateURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "invalid url %q", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, taskerr.New(taskerr.KindConfig,
			"url scheme %q not allowed, use http or https", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, taskerr.New(taskerr.KindConfig, "url %q has no host", raw)
	}
	if blockedHosts[host] {
		return nil, taskerr.New(taskerr.KindConfig, "url host %q is blocked", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
			return nil, taskerr.New(taskerr.KindConfig,
				"url host %q resolves to a restricted address range", host)
		}
	}
	return parsed, nil
}

// ValidateHostPort checks a host:port listen address.
func ValidateHostPort(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return taskerr.Wrap(taskerr.KindConfig, err, "invalid listen address %q", addr)
	}
	return nil
}

// ValidateCronExpression checks a 5-field cron expression's character set.
// Full parsing belongs to the scheduler; this is a fast-path sanity check.
func ValidateCronExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return taskerr.New(taskerr.KindConfig,
			"cron expression %q must have 5 fields", expr)
	}
	fieldRegex := regexp.MustCompile(`^[0-9*,/\-]+$`)
	for _, f := range fields {
		if !fieldRegex.MatchString(f) {
			return taskerr.New(taskerr.KindConfig,
				"cron field %q contains invalid characters", f)
		}
	}
	return nil
}

// Sanitize strips null bytes and disallowed control characters.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 || (r < 0x20 && r != '\n' && r != '\r' && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Must panics when a static pattern fails to validate; used for
// compile-time constants only.
func Must(err error) {
	if err != nil {
		panic(fmt.Sprintf("validation: %v", err))
	}
}
