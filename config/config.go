// Package config loads the backfill service settings through viper and
// configures the global logger.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/yirzhou/backfill"
)

const EnvPrefix = "BACKFILL"

// Parameter names. Environment variables use the prefix and underscores,
// e.g. BACKFILL_SERVER_ADDRESS.
const (
	ServerDbLocation             = "Server.DbLocation"
	ServerStoreBackend           = "Server.StoreBackend"
	ServerAddress                = "Server.Address"
	DownstreamBaseURL            = "Downstream.BaseURL"
	DownstreamToken              = "Downstream.Token"
	DownstreamTimeout            = "Downstream.Timeout"
	LoggingLevel                 = "Logging.Level"
	OrchestratorAutoRecover      = "Orchestrator.AutoRecover"
	OrchestratorCleanupInterval  = "Orchestrator.CleanupInterval"
	OrchestratorRetention        = "Orchestrator.Retention"
	RateLimitMaxRequestsPerMin   = "RateLimit.MaxRequestsPerMinute"
	RateLimitMaxConcurrent       = "RateLimit.MaxConcurrent"
	RateLimitMinDelay            = "RateLimit.MinDelay"
	RateLimitMaxDelay            = "RateLimit.MaxDelay"
	RateLimitBackoffMultiplier   = "RateLimit.BackoffMultiplier"
	StoreBackendSQLite           = "sqlite"
	StoreBackendBedrock          = "bedrock"
	defaultServerAddress         = "127.0.0.1:8090"
	defaultDownstreamTimeout     = 30 * time.Second
	defaultCleanupInterval       = time.Hour
	defaultRetention             = 30 * 24 * time.Hour
	defaultStoreBackend          = StoreBackendSQLite
	defaultLoggingLevel          = "info"
	defaultDbLocationUnderConfig = "backfill.sqlite"
)

// Settings is the resolved configuration for one process.
type Settings struct {
	DbLocation   string
	StoreBackend string
	Address      string

	DownstreamBaseURL string
	DownstreamToken   string
	DownstreamTimeout time.Duration

	LogLevel string

	AutoRecover     bool
	CleanupInterval time.Duration
	Retention       time.Duration

	// RateLimitSeed holds the RateLimit.* keys that were set explicitly. serve
	// writes it only when the store has no rate limit config yet.
	RateLimitSeed *backfill.RateLimitOverrides
}

// SetDefaults registers the default for every parameter on v.
func SetDefaults(v *viper.Viper) {
	dbDir := os.TempDir()
	if home, err := os.UserHomeDir(); err == nil {
		dbDir = filepath.Join(home, ".backfill")
	}
	v.SetDefault(ServerDbLocation, filepath.Join(dbDir, defaultDbLocationUnderConfig))
	v.SetDefault(ServerStoreBackend, defaultStoreBackend)
	v.SetDefault(ServerAddress, defaultServerAddress)
	v.SetDefault(DownstreamTimeout, defaultDownstreamTimeout)
	v.SetDefault(LoggingLevel, defaultLoggingLevel)
	v.SetDefault(OrchestratorAutoRecover, true)
	v.SetDefault(OrchestratorCleanupInterval, defaultCleanupInterval)
	v.SetDefault(OrchestratorRetention, defaultRetention)
}

// Init prepares v: defaults, BACKFILL_ environment variables and, when
// configFile is set, a YAML config file. A missing default config file is
// not an error.
func Init(v *viper.Viper, configFile string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.backfill")
		v.AddConfigPath("/etc/backfill")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "failed to read config file")
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Debugln("Using config file", used)
	}
	return nil
}

// Load resolves Settings from v and validates them.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		DbLocation:        v.GetString(ServerDbLocation),
		StoreBackend:      strings.ToLower(v.GetString(ServerStoreBackend)),
		Address:           v.GetString(ServerAddress),
		DownstreamBaseURL: v.GetString(DownstreamBaseURL),
		DownstreamToken:   v.GetString(DownstreamToken),
		DownstreamTimeout: v.GetDuration(DownstreamTimeout),
		LogLevel:          v.GetString(LoggingLevel),
		AutoRecover:       v.GetBool(OrchestratorAutoRecover),
		CleanupInterval:   v.GetDuration(OrchestratorCleanupInterval),
		Retention:         v.GetDuration(OrchestratorRetention),
		RateLimitSeed:     rateLimitSeed(v),
	}

	switch s.StoreBackend {
	case StoreBackendSQLite, StoreBackendBedrock:
	default:
		return nil, errors.Errorf("%s must be %q or %q, got %q", ServerStoreBackend, StoreBackendSQLite, StoreBackendBedrock, s.StoreBackend)
	}
	if s.DbLocation == "" {
		return nil, errors.Errorf("%s must not be empty", ServerDbLocation)
	}
	if s.DownstreamTimeout <= 0 {
		return nil, errors.Errorf("%s must be positive", DownstreamTimeout)
	}
	if s.Retention < 0 || s.CleanupInterval < 0 {
		return nil, errors.New("orchestrator cleanup durations must not be negative")
	}
	return s, nil
}

func rateLimitSeed(v *viper.Viper) *backfill.RateLimitOverrides {
	var seed backfill.RateLimitOverrides
	set := false
	if v.IsSet(RateLimitMaxRequestsPerMin) {
		n := v.GetInt(RateLimitMaxRequestsPerMin)
		seed.MaxRequestsPerMinute = &n
		set = true
	}
	if v.IsSet(RateLimitMaxConcurrent) {
		n := v.GetInt(RateLimitMaxConcurrent)
		seed.MaxConcurrent = &n
		set = true
	}
	if v.IsSet(RateLimitMinDelay) {
		ms := v.GetDuration(RateLimitMinDelay).Milliseconds()
		seed.MinDelayMs = &ms
		set = true
	}
	if v.IsSet(RateLimitMaxDelay) {
		ms := v.GetDuration(RateLimitMaxDelay).Milliseconds()
		seed.MaxDelayMs = &ms
		set = true
	}
	if v.IsSet(RateLimitBackoffMultiplier) {
		f := v.GetFloat64(RateLimitBackoffMultiplier)
		seed.BackoffMultiplier = &f
		set = true
	}
	if !set {
		return nil
	}
	return &seed
}
