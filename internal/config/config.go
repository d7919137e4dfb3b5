// Package config loads the control plane's environment-driven configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the top-level configuration for the control plane process.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Engine     EngineConfig
	Supervisor SupervisorConfig
	StemCache  StemCacheConfig
}

// ServerConfig configures the callback-receiver HTTP surface.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Environment     string
	LogLevel        string
}

// StoreConfig configures the embedded SQLite store.
type StoreConfig struct {
	Path string
}

// QueueConfig configures the Queue Engine's scheduling and retry behaviour.
type QueueConfig struct {
	MaxConcurrent         int
	TickInterval          time.Duration
	RetryDelayBase        time.Duration
	MaxRetries            int
	ProcessingTimeout     time.Duration
	QueuedTimeout         time.Duration
	JobHistoryRetainDays  int
}

// WorkerConfig configures the transport to the feature-extraction worker.
type WorkerConfig struct {
	ServerURL       string
	Remote          bool
	RequestTimeout  time.Duration
	UploadTimeout   time.Duration
	HealthInterval  time.Duration
}

// EngineConfig configures the playback-engine control channel.
type EngineConfig struct {
	WSURL              string
	ConnectTimeout     time.Duration
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration
	PingInterval       time.Duration
}

// SupervisorConfig configures the colocated worker subprocess supervisor.
type SupervisorConfig struct {
	Autostart     bool
	Autorestart   bool
	Executable    string
	WorkingDir    string
	MaxRestarts   int
	QuietWindow   time.Duration
	StartupTimeout time.Duration
	HealthInterval time.Duration
}

// StemCacheConfig configures the persistent stem cache.
type StemCacheConfig struct {
	RootPath     string
	MaxSizeBytes int64
}

// New builds a Config from the environment.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("HTTP_PORT", "8090"),
			ReadTimeout:     getDurationEnv("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("HTTP_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDurationEnv("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnv("ENVIRONMENT", "development"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Path: getEnv("SQLITE_PATH", "./controlplane.db"),
		},
		Queue: QueueConfig{
			MaxConcurrent:        getIntEnv("MAX_CONCURRENT_ANALYSIS", 2),
			TickInterval:         getDurationEnv("ANALYSIS_TICK_INTERVAL_MS", 5*time.Second),
			RetryDelayBase:       getDurationEnv("ANALYSIS_RETRY_DELAY_MS", 5*time.Second),
			MaxRetries:           getIntEnv("ANALYSIS_MAX_RETRIES", 3),
			ProcessingTimeout:    getDurationEnv("ANALYSIS_PROCESSING_TIMEOUT_MS", 600*time.Second),
			QueuedTimeout:        getDurationEnv("ANALYSIS_QUEUED_TIMEOUT_MS", 3600*time.Second),
			JobHistoryRetainDays: getIntEnv("ANALYSIS_HISTORY_RETAIN_DAYS", 30),
		},
		Worker: WorkerConfig{
			ServerURL:      getEnv("WORKER_SERVER_URL", "http://localhost:9100"),
			Remote:         getBoolEnv("WORKER_SERVER_REMOTE", false),
			RequestTimeout: getDurationEnv("WORKER_REQUEST_TIMEOUT_MS", 30*time.Second),
			UploadTimeout:  getDurationEnv("WORKER_UPLOAD_TIMEOUT_MS", 5*time.Minute),
			HealthInterval: getDurationEnv("WORKER_HEALTH_INTERVAL_MS", 15*time.Second),
		},
		Engine: EngineConfig{
			WSURL:             getEnv("ENGINE_WS_URL", "ws://localhost:9200/control"),
			ConnectTimeout:    getDurationEnv("ENGINE_CONNECT_TIMEOUT_MS", 5*time.Second),
			ReconnectDelay:    getDurationEnv("ENGINE_RECONNECT_DELAY_MS", 1*time.Second),
			MaxReconnectDelay: getDurationEnv("ENGINE_MAX_RECONNECT_DELAY_MS", 30*time.Second),
			PingInterval:      getDurationEnv("ENGINE_PING_INTERVAL_MS", 30*time.Second),
		},
		Supervisor: SupervisorConfig{
			Autostart:      getBoolEnv("WORKER_SUPERVISOR_AUTOSTART", false),
			Autorestart:    getBoolEnv("WORKER_SUPERVISOR_AUTORESTART", true),
			Executable:     getEnv("WORKER_SUPERVISOR_EXECUTABLE", ""),
			WorkingDir:     getEnv("WORKER_SUPERVISOR_WORKING_DIR", "."),
			MaxRestarts:    getIntEnv("WORKER_SUPERVISOR_MAX_RESTARTS", 5),
			QuietWindow:    getDurationEnv("WORKER_SUPERVISOR_QUIET_WINDOW_MS", 5*time.Minute),
			StartupTimeout: getDurationEnv("WORKER_SUPERVISOR_STARTUP_TIMEOUT_MS", 10*time.Second),
			HealthInterval: getDurationEnv("WORKER_SUPERVISOR_HEALTH_INTERVAL_MS", 30*time.Second),
		},
		StemCache: StemCacheConfig{
			RootPath:     getEnv("STEM_CACHE_ROOT", "./stem-cache"),
			MaxSizeBytes: getInt64Env("STEM_CACHE_MAX_BYTES", 20*1024*1024*1024),
		},
	}
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
