// Package config loads the service configuration from an optional file
// and FRAUDGUARD_* environment variables, and hot-reloads it on change.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g.
// FRAUDGUARD_SCORING_CLASSIFIER_WEIGHT=0.7.
const EnvPrefix = "FRAUDGUARD"

// DebounceTimeout collapses the burst of events editors emit on save.
const DebounceTimeout = 500 * time.Millisecond

// Loader owns the active configuration.
type Loader struct {
	path     string
	v        *viper.Viper
	validate *validator.Validate
	current  atomic.Pointer[domain.Config]

	mu         sync.Mutex
	hooks      []func(*domain.Config)
	validators []func(*domain.Config) error
}

// Load reads path (which may be empty) and the environment. The returned
// configuration has been validated.
func Load(path string) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	l := &Loader{
		path:     path,
		v:        v,
		validate: validator.New(),
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current.Store(cfg)
	return l, nil
}

// Config returns the active configuration. Callers must not modify it.
func (l *Loader) Config() *domain.Config {
	return l.current.Load()
}

// OnReload registers a hook called with every configuration accepted by a
// reload. Hooks run in registration order.
func (l *Loader) OnReload(hook func(*domain.Config)) {
	if hook == nil {
		return
	}
	l.mu.Lock()
	l.hooks = append(l.hooks, hook)
	l.mu.Unlock()
}

// AddValidator registers a check that every reloaded configuration must
// pass before it is stored or handed to any hook.
func (l *Loader) AddValidator(check func(*domain.Config) error) {
	if check == nil {
		return
	}
	l.mu.Lock()
	l.validators = append(l.validators, check)
	l.mu.Unlock()
}

// Watch reloads the configuration whenever the file changes.
func (l *Loader) Watch() {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		time.Sleep(DebounceTimeout)

		if err := l.Reload(); err != nil {
			slog.Error("config reload rejected, keeping previous configuration", "error", err)
		}
	})
	l.v.WatchConfig()
}

// Reload re-reads the file. An invalid configuration is rejected and the
// active one kept.
func (l *Loader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config error: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return err
	}
	for _, check := range l.validators {
		if err := check(cfg); err != nil {
			return err
		}
	}
	l.current.Store(cfg)

	slog.Info("config hot-reloaded and validated successfully")
	for _, hook := range l.hooks {
		hook(cfg)
	}
	return nil
}

// decode builds a fresh configuration. Every key is registered as a viper
// default so environment variables can override keys absent from the file,
// and file lists replace the default lists instead of merging into them.
func (l *Loader) decode() (*domain.Config, error) {
	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(l.v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	registerDefaults(l.v, "", reflect.ValueOf(base).Elem())

	cfg := &domain.Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	if err := Validate(l.validate, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg. Errors are *domain.ConfigurationError.
func Validate(validate *validator.Validate, cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &domain.ConfigurationError{Field: verrs[0].Namespace(), Reason: "violates " + verrs[0].Tag()}
		}
		return &domain.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	if err := cfg.Scoring.Validate(); err != nil {
		return err
	}

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return &domain.ConfigurationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", cfg.Tier)}
	}
	if cfg.History.Capacity <= 0 {
		return &domain.ConfigurationError{Field: "history.capacity", Reason: "must be positive"}
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return &domain.ConfigurationError{Field: "tracing.endpoint", Reason: "required when tracing is enabled"}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// registerDefaults walks a config struct by its mapstructure tags.
func registerDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, plain(fv))
	}
}

// plain converts structs (and slices of them) to maps keyed by
// mapstructure tags so they decode like file values.
func plain(rv reflect.Value) any {
	switch {
	case rv.Type() == durationType:
		return rv.Interface()
	case rv.Kind() == reflect.Struct:
		m := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			tag := rv.Type().Field(i).Tag.Get("mapstructure")
			if tag == "" || tag == "-" {
				continue
			}
			m[tag] = plain(rv.Field(i))
		}
		return m
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Struct:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = plain(rv.Index(i))
		}
		return out
	default:
		return rv.Interface()
	}
}
