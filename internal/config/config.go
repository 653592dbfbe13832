package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

const (
	defaultListenAddr          = ":8080"
	defaultDBPath              = "orchestrator.db"
	defaultSweepInterval       = 500 * time.Millisecond
	defaultTaskTimeout         = 5 * time.Minute
	defaultMailboxSize         = 256
	defaultStepWorkers         = 64
	defaultLeaseTTL            = 30 * time.Second
	defaultMaxDispatchAttempts = 5
	defaultNATSPrefix          = "orchestrator"
	defaultTraceSampleRatio    = 1.0
	defaultEnvironment         = "development"

	envListenAddr          = "ORCH_LISTEN_ADDR"
	envDBPath              = "ORCH_DB_PATH"
	envLogLevel            = "ORCH_LOG_LEVEL"
	envSweepInterval       = "ORCH_SWEEP_INTERVAL"
	envDefaultTaskTimeout  = "ORCH_DEFAULT_TASK_TIMEOUT"
	envMailboxSize         = "ORCH_MAILBOX_SIZE"
	envStepWorkers         = "ORCH_STEP_WORKERS"
	envLeaseTTL            = "ORCH_LEASE_TTL"
	envOwnerID             = "ORCH_OWNER_ID"
	envMaxDispatchAttempts = "ORCH_MAX_DISPATCH_ATTEMPTS"
	envPlansDir            = "ORCH_PLANS_DIR"
	envExecutorsFile       = "ORCH_EXECUTORS_FILE"
	envNATSURL             = "ORCH_NATS_URL"
	envNATSPrefix          = "ORCH_NATS_PREFIX"
	envOTLPEndpoint        = "ORCH_OTLP_ENDPOINT"
	envTraceSampleRatio    = "ORCH_TRACE_SAMPLE_RATIO"
	envSentryDSN           = "ORCH_SENTRY_DSN"
	envEnvironment         = "ORCH_ENVIRONMENT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr          string
	DBPath              string
	LogLevel            slog.Level
	SweepInterval       time.Duration
	DefaultTaskTimeout  time.Duration
	MailboxSize         int
	StepWorkers         int
	LeaseTTL            time.Duration
	OwnerID             string
	MaxDispatchAttempts int
	PlansDir            string
	ExecutorsFile       string
	NATSURL             string
	NATSPrefix          string
	OTLPEndpoint        string
	TraceSampleRatio    float64
	SentryDSN           string
	Environment         string
}

// Load reads configuration from environment variables with sensible defaults.
// Values that do not parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:          defaultListenAddr,
		DBPath:              defaultDBPath,
		LogLevel:            slog.LevelInfo,
		SweepInterval:       defaultSweepInterval,
		DefaultTaskTimeout:  defaultTaskTimeout,
		MailboxSize:         defaultMailboxSize,
		StepWorkers:         defaultStepWorkers,
		LeaseTTL:            defaultLeaseTTL,
		MaxDispatchAttempts: defaultMaxDispatchAttempts,
		NATSPrefix:          defaultNATSPrefix,
		TraceSampleRatio:    defaultTraceSampleRatio,
		Environment:         defaultEnvironment,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.SweepInterval = durationEnv(envSweepInterval, cfg.SweepInterval)
	cfg.DefaultTaskTimeout = durationEnv(envDefaultTaskTimeout, cfg.DefaultTaskTimeout)
	cfg.MailboxSize = intEnv(envMailboxSize, cfg.MailboxSize)
	cfg.StepWorkers = intEnv(envStepWorkers, cfg.StepWorkers)
	cfg.LeaseTTL = durationEnv(envLeaseTTL, cfg.LeaseTTL)
	cfg.MaxDispatchAttempts = intEnv(envMaxDispatchAttempts, cfg.MaxDispatchAttempts)
	cfg.PlansDir = os.Getenv(envPlansDir)
	cfg.ExecutorsFile = os.Getenv(envExecutorsFile)
	cfg.NATSURL = os.Getenv(envNATSURL)
	if v := os.Getenv(envNATSPrefix); v != "" {
		cfg.NATSPrefix = v
	}
	cfg.OTLPEndpoint = os.Getenv(envOTLPEndpoint)
	if v := os.Getenv(envTraceSampleRatio); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.TraceSampleRatio = f
		}
	}
	cfg.SentryDSN = os.Getenv(envSentryDSN)
	if v := os.Getenv(envEnvironment); v != "" {
		cfg.Environment = v
	}

	cfg.OwnerID = os.Getenv(envOwnerID)
	if cfg.OwnerID == "" {
		cfg.OwnerID = defaultOwnerID()
	}

	return cfg
}

func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return host + "-" + model.NewID()
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// executorsFile is the YAML layout of ORCH_EXECUTORS_FILE.
type executorsFile struct {
	Executors []delegate.Executor `yaml:"executors"`
}

// LoadExecutors reads the static executors declared in a YAML file. Loaded
// executors are marked static so they never go stale.
func LoadExecutors(path string) ([]delegate.Executor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read executors file: %w", err)
	}
	var f executorsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse executors file %s: %w", path, err)
	}
	for i := range f.Executors {
		if f.Executors[i].ID == "" {
			return nil, fmt.Errorf("parse executors file %s: executor %d has no id", path, i)
		}
		f.Executors[i].Static = true
	}
	return f.Executors, nil
}
