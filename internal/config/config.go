package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "FIELDSYNC"

	defaultHTTPAddress      = "127.0.0.1:8847"
	defaultDataDir          = ".fieldsync"
	defaultProfile          = "durable-local"
	defaultLogLevel         = "info"
	defaultAutoSaveInterval = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon and the
// queue tooling.
type AppConfig struct {
	HTTPAddress string

	RemoteURL string
	AuthToken string
	ActorID   string

	Profile       string
	DataDir       string
	QueueDSN      string
	StateDSN      string
	PostgresDSN   string
	QueueCapacity int

	SpoolDir      string
	CacheDir      string
	AgentDisabled bool

	AutoSaveInterval time.Duration
	MaxQueueAttempts int

	APISecret string

	LogLevel string
	LogFile  string
}

// NewViper returns a viper instance with defaults and env bindings
// configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided
// viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("storage.profile", defaultProfile)
	configViper.SetDefault("storage.data_dir", defaultDataDir)
	configViper.SetDefault("autosave.interval", defaultAutoSaveInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		RemoteURL:        configViper.GetString("remote.url"),
		AuthToken:        configViper.GetString("remote.token"),
		ActorID:          configViper.GetString("actor.id"),
		Profile:          configViper.GetString("storage.profile"),
		DataDir:          configViper.GetString("storage.data_dir"),
		QueueDSN:         configViper.GetString("storage.queue_dsn"),
		StateDSN:         configViper.GetString("storage.state_dsn"),
		PostgresDSN:      configViper.GetString("storage.postgres_dsn"),
		QueueCapacity:    configViper.GetInt("queue.capacity"),
		SpoolDir:         configViper.GetString("agent.spool_dir"),
		CacheDir:         configViper.GetString("agent.cache_dir"),
		AgentDisabled:    configViper.GetBool("agent.disabled"),
		AutoSaveInterval: configViper.GetDuration("autosave.interval"),
		MaxQueueAttempts: configViper.GetInt("queue.max_attempts"),
		APISecret:        configViper.GetString("api.secret"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          configViper.GetString("log.file"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if _, _, err := c.StorageDSNs(); err != nil {
		return err
	}
	return nil
}

// StorageDSNs resolves the queue and state store DSNs. Explicit DSNs
// win; otherwise the storage profile picks defaults under the data
// directory.
func (c AppConfig) StorageDSNs() (queueDSN, stateDSN string, err error) {
	queueDSN = strings.TrimSpace(c.QueueDSN)
	stateDSN = strings.TrimSpace(c.StateDSN)
	if queueDSN != "" && stateDSN != "" {
		return queueDSN, stateDSN, nil
	}
	profileQueue, profileState, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	if queueDSN == "" {
		queueDSN = profileQueue
	}
	if stateDSN == "" {
		stateDSN = profileState
	}
	return queueDSN, stateDSN, nil
}

func (c AppConfig) profileDefaults() (queueDSN, stateDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "queue.json"),
			"file://" + filepath.Join(dataDir, "state.json"),
			nil
	case "bolt", "boltdb":
		path := filepath.Join(dataDir, "fieldsync.db")
		return "bolt://" + path, "bolt://" + path, nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("storage.postgres_dsn is required when storage.profile=%s", profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
}

// AgentSpoolDir returns the background sync spool directory, defaulting
// under the data directory.
func (c AppConfig) AgentSpoolDir() string {
	if dir := strings.TrimSpace(c.SpoolDir); dir != "" {
		return dir
	}
	return filepath.Join(c.dataDir(), "spool")
}

// AgentCacheDir returns the agent cache directory, defaulting under the
// data directory.
func (c AppConfig) AgentCacheDir() string {
	if dir := strings.TrimSpace(c.CacheDir); dir != "" {
		return dir
	}
	return filepath.Join(c.dataDir(), "agent")
}

func (c AppConfig) dataDir() string {
	if dir := strings.TrimSpace(c.DataDir); dir != "" {
		return dir
	}
	return defaultDataDir
}
