package config

import (
	"os"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"ratchet/pkg/logger"
	"ratchet/pkg/taskerr"
)

// Legacy config files are flat: timeouts, queue limits and worker knobs
// at the top level, a bare server block, and none of the modern
// cache/registry/output groups. They are detected heuristically,
// upgraded in place and preserved as a .backup sidecar.

// legacyKeys are flat top-level keys that only the old shape used.
var legacyKeys = []string{
	"max_execution_duration",
	"max_queue_size",
	"worker_count",
	"log_level",
	"db_host",
	"db_port",
	"db_user",
	"db_name",
}

// modernGroups are the domain sections that only the new shape has.
var modernGroups = []string{"cache", "registry", "output"}

// LoadFile reads a config file, migrating legacy files first. A legacy
// file is rewritten in the modern shape with a .backup sidecar of the
// original; ambiguous files are treated as modern with a warning,
// never a failure.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to read config file %s", path)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "config file %s is not valid yaml", path)
	}

	if IsLegacy(raw) {
		logger.Get().Warn("legacy config format detected, migrating",
			zap.String("path", path))
		migrated := MigrateLegacy(raw)

		backup := path + ".backup"
		if err := os.WriteFile(backup, data, 0o644); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to write config backup %s", backup)
		}
		out, err := yaml.Marshal(migrated)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to encode migrated config")
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to rewrite config file %s", path)
		}
		raw = migrated
	}

	return decode(raw)
}

func decode(raw map[string]interface{}) (*Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to re-encode config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "failed to decode config")
	}
	return cfg, nil
}

// IsLegacy applies the detection heuristic: any modern domain group
// present means modern (preferred when ambiguous); otherwise the
// presence of flat legacy keys marks the file as legacy.
func IsLegacy(raw map[string]interface{}) bool {
	for _, group := range modernGroups {
		if _, ok := raw[group]; ok {
			return false
		}
	}
	for _, key := range legacyKeys {
		if _, ok := raw[key]; ok {
			return true
		}
	}
	return false
}

// MigrateLegacy rewrites a flat legacy document into the modern
// domain-grouped shape. Applying it to an already-modern document is
// the identity.
func MigrateLegacy(raw map[string]interface{}) map[string]interface{} {
	if !IsLegacy(raw) {
		return raw
	}

	out := make(map[string]interface{})
	// Carry modern-shaped sections through untouched; the server block
	// is rebuilt below because its legacy field names differ.
	for key, value := range raw {
		switch key {
		case "database", "queue", "workers", "cache", "registry", "output", "logging":
			out[key] = value
		}
	}

	group := func(name string) map[string]interface{} {
		if existing, ok := out[name].(map[string]interface{}); ok {
			return existing
		}
		g := make(map[string]interface{})
		out[name] = g
		return g
	}

	if v, ok := raw["max_execution_duration"]; ok {
		group("workers")["task_timeout_seconds"] = v
	}
	if v, ok := raw["worker_count"]; ok {
		group("workers")["count"] = v
	}
	if v, ok := raw["max_queue_size"]; ok {
		group("queue")["max_size"] = v
	}
	if v, ok := raw["log_level"]; ok {
		group("logging")["level"] = v
	}
	for legacy, field := range map[string]string{
		"db_host":     "host",
		"db_port":     "port",
		"db_user":     "user",
		"db_password": "password",
		"db_name":     "name",
	} {
		if v, ok := raw[legacy]; ok {
			group("database")[field] = v
		}
	}
	// The legacy server block used listen/port names.
	if server, ok := raw["server"].(map[string]interface{}); ok {
		migrated := group("server")
		for key, value := range server {
			switch key {
			case "listen_host", "bind_address":
				migrated["host"] = value
			case "listen_port":
				migrated["port"] = value
			default:
				migrated[key] = value
			}
		}
	}
	return out
}
