package config

import (
	"os"
	"strconv"
)

// Config is the modern domain-grouped configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Workers  WorkersConfig  `yaml:"workers" json:"workers"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Registry RegistryConfig `yaml:"registry" json:"registry"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port string `yaml:"port" json:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Name     string `yaml:"name" json:"name"`
}

type QueueConfig struct {
	MaxSize           int    `yaml:"max_size" json:"max_size"`
	RedisAddr         string `yaml:"redis_addr" json:"redis_addr"`
	DefaultMaxRetries int    `yaml:"default_max_retries" json:"default_max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
}

type WorkersConfig struct {
	Count                      int    `yaml:"count" json:"count"`
	WorkerBinary               string `yaml:"worker_binary" json:"worker_binary"`
	TaskTimeoutSeconds         int    `yaml:"task_timeout_seconds" json:"task_timeout_seconds"`
	RestartOnCrash             bool   `yaml:"restart_on_crash" json:"restart_on_crash"`
	MaxRestartAttempts         int    `yaml:"max_restart_attempts" json:"max_restart_attempts"`
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds" json:"health_check_interval_seconds"`
}

type CacheConfig struct {
	TaskPrograms bool `yaml:"task_programs" json:"task_programs"`
	MaxEntries   int  `yaml:"max_entries" json:"max_entries"`
}

type OutputConfig struct {
	MaxConcurrentDeliveries int    `yaml:"max_concurrent_deliveries" json:"max_concurrent_deliveries"`
	DefaultTimeoutSeconds   int    `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
	Environment             string `yaml:"environment" json:"environment"`
}

type RegistryConfig struct {
	DefaultConflictStrategy string `yaml:"default_conflict_strategy" json:"default_conflict_strategy"`
	SyncIntervalSeconds     int    `yaml:"sync_interval_seconds" json:"sync_interval_seconds"`
	GitCacheDir             string `yaml:"git_cache_dir" json:"git_cache_dir"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
	Output   string `yaml:"output" json:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: "8080"},
		Database: DatabaseConfig{Host: "localhost", Port: "5432", User: "ratchet", Password: "ratchet", Name: "ratchet"},
		Queue:    QueueConfig{MaxSize: 10000, DefaultMaxRetries: 3, RetryDelaySeconds: 5},
		Workers: WorkersConfig{
			Count:                      0, // 0 means host CPU count
			TaskTimeoutSeconds:         300,
			RestartOnCrash:             true,
			MaxRestartAttempts:         3,
			HealthCheckIntervalSeconds: 30,
		},
		Cache:    CacheConfig{TaskPrograms: true, MaxEntries: 256},
		Output:   OutputConfig{MaxConcurrentDeliveries: 10, DefaultTimeoutSeconds: 30},
		Registry: RegistryConfig{DefaultConflictStrategy: "manual_only", SyncIntervalSeconds: 300},
		Logging:  LoggingConfig{Level: "info", Encoding: "json", Output: "stderr"},
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// optional config file named by RATCHET_CONFIG, then env overrides.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("RATCHET_CONFIG", ""); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Queue.MaxSize = getEnvAsInt("QUEUE_MAX_SIZE", cfg.Queue.MaxSize)
	cfg.Queue.RedisAddr = getEnv("REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Workers.Count = getEnvAsInt("WORKER_COUNT", cfg.Workers.Count)
	cfg.Workers.WorkerBinary = getEnv("WORKER_BINARY", cfg.Workers.WorkerBinary)
	cfg.Workers.TaskTimeoutSeconds = getEnvAsInt("TASK_TIMEOUT_SECONDS", cfg.Workers.TaskTimeoutSeconds)
	cfg.Workers.RestartOnCrash = getEnvAsBool("RESTART_ON_CRASH", cfg.Workers.RestartOnCrash)
	cfg.Output.MaxConcurrentDeliveries = getEnvAsInt("MAX_CONCURRENT_DELIVERIES", cfg.Output.MaxConcurrentDeliveries)
	cfg.Output.Environment = getEnv("RATCHET_ENV", cfg.Output.Environment)
	cfg.Registry.DefaultConflictStrategy = getEnv("SYNC_CONFLICT_STRATEGY", cfg.Registry.DefaultConflictStrategy)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Encoding = getEnv("LOG_ENCODING", cfg.Logging.Encoding)

	return cfg, nil
}

// ConnString renders the Postgres DSN.
func (c *Config) ConnString() string {
	return "host=" + c.Database.Host +
		" user=" + c.Database.User +
		" password=" + c.Database.Password +
		" dbname=" + c.Database.Name +
		" port=" + c.Database.Port +
		" sslmode=disable TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
