package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// EZSTREAM_REDIS_ADDR overrides redis.addr.
const EnvPrefix = "EZSTREAM"

// Config is the complete control plane and agent configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bus        BusConfig        `mapstructure:"bus"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Thresholds Thresholds       `mapstructure:"thresholds"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Health     HealthConfig     `mapstructure:"health"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Capacity   CapacityConfig   `mapstructure:"capacity"`
	API        APIConfig        `mapstructure:"api"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Provision  ProvisionConfig  `mapstructure:"provision"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type RedisConfig struct {
	// Addr empty selects the in-process bus and cache (single binary dev mode)
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type BusConfig struct {
	CommandChannelPrefix string        `mapstructure:"command_channel_prefix" validate:"required"`
	ReportChannel        string        `mapstructure:"report_channel" validate:"required"`
	SubscribeBackoff     time.Duration `mapstructure:"subscribe_backoff" validate:"gt=0"`
	// MaxReconnects of 0 retries forever
	MaxReconnects int `mapstructure:"max_reconnects" validate:"gte=0"`
}

type CacheConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix" validate:"required"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type StorageConfig struct {
	Driver  string `mapstructure:"driver" validate:"oneof=bolt sqlite"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

type WorkersConfig struct {
	Count      int           `mapstructure:"count" validate:"gt=0"`
	QueueSize  int           `mapstructure:"queue_size" validate:"gt=0"`
	JobTimeout time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
}

// Thresholds is the single definition of every lifecycle timing window
type Thresholds struct {
	// RecentStartGuard protects a fresh start from schedule-end stops and
	// from being reported missing before the agent's first heartbeat.
	RecentStartGuard  time.Duration `mapstructure:"recent_start_guard" validate:"gt=0"`
	// StaleHeartbeat separates WARNING from BAD agent health and gates
	// scheduling onto a node.
	StaleHeartbeat    time.Duration `mapstructure:"stale_heartbeat" validate:"gt=0"`
	HeartbeatWarning  time.Duration `mapstructure:"heartbeat_warning" validate:"gt=0"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	StartTimeout      time.Duration `mapstructure:"start_timeout" validate:"gt=0"`
	CommandAckTimeout time.Duration `mapstructure:"command_ack_timeout" validate:"gt=0"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	SyncWait time.Duration `mapstructure:"sync_wait" validate:"gt=0"`
}

type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	AutoFix         bool          `mapstructure:"auto_fix"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	MinAgentVersion string        `mapstructure:"min_agent_version"`
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	RestartErrored bool          `mapstructure:"restart_errored"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" validate:"gt=0"`
}

type CapacityConfig struct {
	CPUTarget      float64 `mapstructure:"cpu_target" validate:"gt=0,lte=100"`
	RAMTarget      float64 `mapstructure:"ram_target" validate:"gt=0,lte=100"`
	RAMBaseline    float64 `mapstructure:"ram_baseline" validate:"gte=0,lt=100"`
	InitialCeiling int     `mapstructure:"initial_ceiling" validate:"gt=0"`
}

type SecurityConfig struct {
	// CredentialKey seals node SSH credentials at rest when set
	CredentialKey string `mapstructure:"credential_key"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type AgentConfig struct {
	NodeID            int64         `mapstructure:"node_id" validate:"gte=0"`
	Version           string        `mapstructure:"version"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval" validate:"gt=0"`
	TelemetryURL      string        `mapstructure:"telemetry_url"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path" validate:"required"`
	StateDir          string        `mapstructure:"state_dir" validate:"required"`
	StopGrace         time.Duration `mapstructure:"stop_grace" validate:"gt=0"`
}

type ProvisionConfig struct {
	SetupCommand    string        `mapstructure:"setup_command"`
	VerifyCommand   string        `mapstructure:"verify_command"`
	RestartCommand  string        `mapstructure:"restart_command"`
	AgentConfigPath string        `mapstructure:"agent_config_path"`
	KnownHostsFile  string        `mapstructure:"known_hosts_file"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
}

// Default returns the configuration used when no file or env overrides a key
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Bus: BusConfig{
			CommandChannelPrefix: "vps-commands:",
			ReportChannel:        "agent-reports",
			SubscribeBackoff:     5 * time.Second,
		},
		Cache:   CacheConfig{KeyPrefix: "agent_state:", TTL: 5 * time.Minute},
		Storage: StorageConfig{Driver: "bolt", DataDir: "./ezstream-data"},
		Workers: WorkersConfig{Count: 8, QueueSize: 256, JobTimeout: 30 * time.Second},
		Thresholds: Thresholds{
			RecentStartGuard:  2 * time.Minute,
			StaleHeartbeat:    3 * time.Minute,
			HeartbeatWarning:  time.Minute,
			StopTimeout:       5 * time.Minute,
			StartTimeout:      5 * time.Minute,
			CommandAckTimeout: 30 * time.Second,
		},
		Reconciler: ReconcilerConfig{Interval: time.Minute, SyncWait: 10 * time.Second},
		Health:     HealthConfig{Interval: time.Minute, ProbeTimeout: 5 * time.Second},
		Scheduler:  SchedulerConfig{Interval: 15 * time.Second, RestartBackoff: 5 * time.Minute},
		Capacity:   CapacityConfig{CPUTarget: 80, RAMTarget: 85, RAMBaseline: 20, InitialCeiling: 10},
		API:        APIConfig{Addr: "127.0.0.1:8080"},
		Agent: AgentConfig{
			HeartbeatInterval: 30 * time.Second,
			TelemetryInterval: time.Minute,
			FFmpegPath:        "ffmpeg",
			StateDir:          "/var/lib/ezstream-agent",
			StopGrace:         10 * time.Second,
		},
		Provision: ProvisionConfig{
			SetupCommand:    "sudo /opt/ezstream/setup.sh",
			VerifyCommand:   "systemctl is-active ezstream-agent",
			RestartCommand:  "sudo systemctl restart ezstream-agent",
			AgentConfigPath: "/etc/ezstream/agent.yaml",
			ConnectTimeout:  15 * time.Second,
			CommandTimeout:  5 * time.Minute,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment (after loading .env when present), then validates it.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field constraint and returns a readable error
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("bus.command_channel_prefix", d.Bus.CommandChannelPrefix)
	v.SetDefault("bus.report_channel", d.Bus.ReportChannel)
	v.SetDefault("bus.subscribe_backoff", d.Bus.SubscribeBackoff)
	v.SetDefault("bus.max_reconnects", d.Bus.MaxReconnects)

	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)

	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)
	v.SetDefault("workers.job_timeout", d.Workers.JobTimeout)

	v.SetDefault("thresholds.recent_start_guard", d.Thresholds.RecentStartGuard)
	v.SetDefault("thresholds.stale_heartbeat", d.Thresholds.StaleHeartbeat)
	v.SetDefault("thresholds.heartbeat_warning", d.Thresholds.HeartbeatWarning)
	v.SetDefault("thresholds.stop_timeout", d.Thresholds.StopTimeout)
	v.SetDefault("thresholds.start_timeout", d.Thresholds.StartTimeout)
	v.SetDefault("thresholds.command_ack_timeout", d.Thresholds.CommandAckTimeout)

	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.sync_wait", d.Reconciler.SyncWait)

	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.auto_fix", d.Health.AutoFix)
	v.SetDefault("health.probe_timeout", d.Health.ProbeTimeout)
	v.SetDefault("health.min_agent_version", d.Health.MinAgentVersion)

	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.restart_errored", d.Scheduler.RestartErrored)
	v.SetDefault("scheduler.restart_backoff", d.Scheduler.RestartBackoff)

	v.SetDefault("capacity.cpu_target", d.Capacity.CPUTarget)
	v.SetDefault("capacity.ram_target", d.Capacity.RAMTarget)
	v.SetDefault("capacity.ram_baseline", d.Capacity.RAMBaseline)
	v.SetDefault("capacity.initial_ceiling", d.Capacity.InitialCeiling)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("security.credential_key", d.Security.CredentialKey)

	v.SetDefault("sentry.dsn", d.Sentry.DSN)
	v.SetDefault("sentry.environment", d.Sentry.Environment)

	v.SetDefault("agent.node_id", d.Agent.NodeID)
	v.SetDefault("agent.version", d.Agent.Version)
	v.SetDefault("agent.heartbeat_interval", d.Agent.HeartbeatInterval)
	v.SetDefault("agent.telemetry_interval", d.Agent.TelemetryInterval)
	v.SetDefault("agent.telemetry_url", d.Agent.TelemetryURL)
	v.SetDefault("agent.ffmpeg_path", d.Agent.FFmpegPath)
	v.SetDefault("agent.state_dir", d.Agent.StateDir)
	v.SetDefault("agent.stop_grace", d.Agent.StopGrace)

	v.SetDefault("provision.setup_command", d.Provision.SetupCommand)
	v.SetDefault("provision.verify_command", d.Provision.VerifyCommand)
	v.SetDefault("provision.restart_command", d.Provision.RestartCommand)
	v.SetDefault("provision.agent_config_path", d.Provision.AgentConfigPath)
	v.SetDefault("provision.known_hosts_file", d.Provision.KnownHostsFile)
	v.SetDefault("provision.connect_timeout", d.Provision.ConnectTimeout)
	v.SetDefault("provision.command_timeout", d.Provision.CommandTimeout)
}
