package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NGSISINK_"

const defaultContext = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld"

// Loader reads a YAML config file and watches it for changes.
// An empty path means environment and defaults only.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file path.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, errors.New("config watcher: no config file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
// Invalid configs are rejected and the previous one stays current.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	cfg := Defaults()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyStorageDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ADDR":                      &cfg.Server.Addr,
		"NOTIFY_PATH":               &cfg.Server.NotifyPath,
		"STORAGE_BACKEND":           &cfg.Storage.Backend,
		"STORAGE_PATH":              &cfg.Storage.Path,
		"STORAGE_COLUMN_FAMILY":     &cfg.Storage.ColumnFamily,
		"STORAGE_ENDPOINT":          &cfg.Storage.Endpoint,
		"STORAGE_REGION":            &cfg.Storage.Region,
		"STORAGE_ACCESS_KEY_ID":     &cfg.Storage.AccessKeyID,
		"STORAGE_SECRET_ACCESS_KEY": &cfg.Storage.SecretAccessKey,
		"BROKER_URL":                &cfg.Broker.URL,
		"BROKER_SUBSCRIPTION_ID":    &cfg.Broker.SubscriptionID,
		"BROKER_CALLBACK_URL":       &cfg.Broker.CallbackURL,
		"LOG_LEVEL":                 &cfg.Log.Level,
		"LOG_FORMAT":                &cfg.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":             &cfg.Pipeline.Workers,
		"QUEUE_CAPACITY":      &cfg.Pipeline.QueueCapacity,
		"ENQUEUE_TIMEOUT_MS":  &cfg.Pipeline.EnqueueTimeoutMs,
		"MIN_INTERVAL_MS":     &cfg.Pipeline.MinIntervalMs,
		"DRAIN_TIMEOUT_MS":    &cfg.Pipeline.DrainTimeoutMs,
		"MAX_WORKER_RESTARTS": &cfg.Pipeline.MaxWorkerRestarts,
		"SWEEP_INTERVAL_MS":   &cfg.Pipeline.SweepIntervalMs,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "BROKER_ENTITY_TYPES"); ok {
		cfg.Broker.EntityTypes = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvPrefix + "BROKER_WATCHED_ATTRIBUTES"); ok {
		cfg.Broker.WatchedAttributes = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Defaults returns the configuration used for every key the file and the
// environment leave out. Explicit zeros from either source are kept.
func Defaults() Config {
	return Config{
		Server: ServerConf{
			Addr:           ":8000",
			NotifyPath:     "/notify",
			MaxBodyBytes:   1 << 20,
			ReadTimeoutMs:  10000,
			WriteTimeoutMs: 30000,
		},
		Pipeline: PipelineConf{
			Workers:           3,
			QueueCapacity:     1000,
			EnqueueTimeoutMs:  250,
			MinIntervalMs:     50,
			DrainTimeoutMs:    10000,
			MaxWorkerRestarts: 5,
			SweepIntervalMs:   60000,
		},
		Storage: StorageConf{
			Backend:      "badger",
			ColumnFamily: "cf",
			Region:       "us-east-1",
			TableWaitMs:  120000,
		},
		Broker: BrokerConf{
			SubscriptionID: "urn:ngsi-ld:Subscription:ngsisink",
			Context:        defaultContext,
			Attempts:       5,
		},
		Log: LogConf{Level: "info", Format: "text"},
	}
}

// applyStorageDefaults fills the path, whose default depends on the backend.
func applyStorageDefaults(cfg *Config) {
	if cfg.Storage.Path != "" {
		return
	}
	switch cfg.Storage.Backend {
	case "sqlite":
		cfg.Storage.Path = "data/ngsisink.db"
	case "badger":
		cfg.Storage.Path = "data/ngsisink"
	}
}
