package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "HPCQ_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Queue     QueueConfig     `koanf:"queue"`
	Driver    DriverConfig    `koanf:"driver"`
	Cluster   ClusterConfig   `koanf:"cluster"`
	RSH       RSHConfig       `koanf:"rsh"`
	Container ContainerConfig `koanf:"container"`
	Store     StoreConfig     `koanf:"store"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text or json
}

type QueueConfig struct {
	MaxSubmit     int           `koanf:"max_submit"`
	SuccessMarker string        `koanf:"success_marker"`
	StatusMarker  string        `koanf:"status_marker"`
	ErrorMarker   string        `koanf:"error_marker"`
	ConfirmWait   time.Duration `koanf:"confirm_wait"`
	MaxRuntime    time.Duration `koanf:"max_runtime"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	Concurrency   int           `koanf:"concurrency"`
	Timeout       time.Duration `koanf:"timeout"` // how long `run` waits for completion
}

type DriverConfig struct {
	Kind    string         `koanf:"kind"` // local, cluster, rsh, container
	Options map[string]any `koanf:"options"`
}

type ClusterConfig struct {
	Manager       string        `koanf:"manager"` // lsf, slurm, command, redis
	SubmitCmd     []string      `koanf:"submit_cmd"`
	QueryCmd      []string      `koanf:"query_cmd"`
	CancelCmd     []string      `koanf:"cancel_cmd"`
	QueryAttempts int           `koanf:"query_attempts"`
	QueryTimeout  time.Duration `koanf:"query_timeout"`
	Redis         RedisConfig   `koanf:"redis"`
}

type RedisConfig struct {
	Addr   string `koanf:"addr"`
	Prefix string `koanf:"prefix"`
}

type RSHConfig struct {
	Command string         `koanf:"command"`
	Hosts   map[string]int `koanf:"hosts"`
}

type ContainerConfig struct {
	Image string `koanf:"image"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the endpoint
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Queue: QueueConfig{
			MaxSubmit:     2,
			SuccessMarker: "OK",
			StatusMarker:  "STATUS",
			ErrorMarker:   "ERROR",
			ConfirmWait:   60 * time.Second,
			CallTimeout:   30 * time.Second,
			PollInterval:  time.Second,
			Concurrency:   4,
			Timeout:       24 * time.Hour,
		},
		Driver: DriverConfig{Kind: "local"},
		Cluster: ClusterConfig{
			Manager:       "lsf",
			QueryAttempts: 3,
			QueryTimeout:  10 * time.Second,
			Redis:         RedisConfig{Addr: "localhost:6379", Prefix: "hpcq"},
		},
		RSH:   RSHConfig{Command: "ssh"},
		Store: StoreConfig{Path: "hpcq.db"},
	}
}

// DefaultConfigAsMap lists every default under its koanf key so overrides
// from any later source merge key by key.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"queue.max_submit":     def.Queue.MaxSubmit,
		"queue.success_marker": def.Queue.SuccessMarker,
		"queue.status_marker":  def.Queue.StatusMarker,
		"queue.error_marker":   def.Queue.ErrorMarker,
		"queue.confirm_wait":   def.Queue.ConfirmWait.String(),
		"queue.max_runtime":    def.Queue.MaxRuntime.String(),
		"queue.call_timeout":   def.Queue.CallTimeout.String(),
		"queue.poll_interval":  def.Queue.PollInterval.String(),
		"queue.concurrency":    def.Queue.Concurrency,
		"queue.timeout":        def.Queue.Timeout.String(),

		"driver.kind": def.Driver.Kind,

		"cluster.manager":        def.Cluster.Manager,
		"cluster.query_attempts": def.Cluster.QueryAttempts,
		"cluster.query_timeout":  def.Cluster.QueryTimeout.String(),
		"cluster.redis.addr":     def.Cluster.Redis.Addr,
		"cluster.redis.prefix":   def.Cluster.Redis.Prefix,

		"rsh.command": def.RSH.Command,

		"container.image": def.Container.Image,

		"store.path": def.Store.Path,

		"metrics.addr": def.Metrics.Addr,
	}
}

// Manager loads and holds the merged configuration.
type Manager struct {
	mu  sync.RWMutex
	k   *koanf.Koanf
	cfg Config
}

func NewManager() *Manager {
	return &Manager{k: koanf.New("."), cfg: DefaultConfig()}
}

// Load merges, lowest precedence first: defaults, the YAML file at path (if
// any), HPCQ_ environment variables, then flags that were set explicitly.
//
// Environment variables map by lowercasing and turning "__" into ".":
//
//	HPCQ_QUEUE__CONCURRENCY -> queue.concurrency
//	HPCQ_LOG__LEVEL         -> log.level
func (m *Manager) Load(flags *pflag.FlagSet, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil); err != nil {
		return fmt.Errorf("error loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return fmt.Errorf("error loading environment: %w", err)
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return fmt.Errorf("error loading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.k = k
	m.cfg = cfg
	return nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// GetValue returns the raw value at key, or nil.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.k.Get(key)
}

func (c Config) Validate() error {
	switch c.Driver.Kind {
	case "local", "cluster", "rsh", "container":
	default:
		return fmt.Errorf("config: unknown driver kind %q", c.Driver.Kind)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("config: queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxSubmit < 0 {
		return fmt.Errorf("config: queue.max_submit must not be negative, got %d", c.Queue.MaxSubmit)
	}
	return nil
}

// BindFlags defines the flags Load reads. Flag names are koanf keys.
func BindFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String("log.level", def.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log.format", def.Log.Format, "Log format (text, json)")
	flags.Int("queue.concurrency", def.Queue.Concurrency, "Number of jobs in flight at once")
	flags.Int("queue.max_submit", def.Queue.MaxSubmit, "Submissions allowed per job (0 = retry callback decides)")
	flags.Duration("queue.confirm_wait", def.Queue.ConfirmWait, "Time allowed for a submitted job to confirm it runs")
	flags.Duration("queue.timeout", def.Queue.Timeout, "How long to wait for all jobs")
	flags.String("driver.kind", def.Driver.Kind, "Execution backend (local, cluster, rsh, container)")
	flags.String("store.path", def.Store.Path, "Path to the SQLite job journal")
	flags.String("metrics.addr", def.Metrics.Addr, "Address for the /metrics endpoint (empty disables)")
}
