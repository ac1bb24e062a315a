// Package config loads process settings from FORESTA_* environment variables
// and an optional YAML tuning file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/foresta/internal/llm"
	"github.com/danshapiro/foresta/internal/retry"
)

// Env holds the FORESTA_* environment settings.
type Env struct {
	DBPath           string        `env:"FORESTA_DB_PATH"            envDefault:"foresta.db"`
	AnthropicKey     string        `env:"FORESTA_ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `env:"FORESTA_ANTHROPIC_BASE_URL"`
	Model            string        `env:"FORESTA_MODEL"`
	TriggerSecret    string        `env:"FORESTA_TRIGGER_SECRET"`
	HTTPAddr         string        `env:"FORESTA_HTTP_ADDR"          envDefault:"127.0.0.1:8080"`
	RedisURL         string        `env:"FORESTA_REDIS_URL"`
	TelegramToken    string        `env:"FORESTA_TELEGRAM_TOKEN"`
	TelegramChatID   string        `env:"FORESTA_TELEGRAM_CHAT_ID"`
	OTLPEndpoint     string        `env:"FORESTA_OTLP_ENDPOINT"`
	CycleInterval    time.Duration `env:"FORESTA_CYCLE_INTERVAL"     envDefault:"24h"`
	ConversationTTL  time.Duration `env:"FORESTA_CONVERSATION_TTL"   envDefault:"30m"`
	LockStaleAfter   time.Duration `env:"FORESTA_LOCK_STALE_AFTER"   envDefault:"30m"`
	TuningFile       string        `env:"FORESTA_TUNING_FILE"`
}

type Config struct {
	Env
	Tuning Tuning
}

// Load reads the process environment and the tuning file it names.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom is Load over an explicit environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg.Env, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.AnthropicKey == "" {
		cfg.AnthropicKey = lookup(opts, "ANTHROPIC_API_KEY")
	}
	if path := strings.TrimSpace(cfg.TuningFile); path != "" {
		t, err := LoadTuning(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Tuning = t
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func lookup(opts env.Options, key string) string {
	if opts.Environment != nil {
		return strings.TrimSpace(opts.Environment[key])
	}
	return strings.TrimSpace(os.Getenv(key))
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("FORESTA_DB_PATH must not be empty"))
	}
	if c.CycleInterval <= 0 {
		errs = append(errs, errors.New("FORESTA_CYCLE_INTERVAL must be positive"))
	}
	if c.ConversationTTL <= 0 {
		errs = append(errs, errors.New("FORESTA_CONVERSATION_TTL must be positive"))
	}
	if c.LockStaleAfter <= 0 {
		errs = append(errs, errors.New("FORESTA_LOCK_STALE_AFTER must be positive"))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("FORESTA_TELEGRAM_TOKEN and FORESTA_TELEGRAM_CHAT_ID must be set together"))
	}
	return errors.Join(errs...)
}

// GeneratorOptions merges the environment and tuning file over the defaults.
func (c Config) GeneratorOptions() llm.GeneratorOptions {
	o := llm.DefaultGeneratorOptions()
	o.Provider = "anthropic"
	if c.Model != "" {
		o.Model = c.Model
	}
	g := c.Tuning.Generation
	if g.Model != "" {
		o.Model = g.Model
	}
	if g.Temperature != nil {
		o.Temperature = *g.Temperature
	}
	if g.MaxTokens > 0 {
		o.MaxTokens = g.MaxTokens
	}
	if g.Timeout > 0 {
		o.Timeout = g.Timeout
	}
	if len(g.StopSequences) > 0 {
		o.StopSequences = append([]string(nil), g.StopSequences...)
	}
	if c.Tuning.Retry != nil {
		o.Retry = *c.Tuning.Retry
	}
	return o
}

// Tuning adjusts generation and write retries without a rebuild.
type Tuning struct {
	Generation GenerationTuning `yaml:"generation"`
	Retry      *retry.Policy    `yaml:"retry"`
	LockRetry  *retry.Policy    `yaml:"lock_retry"`
}

type GenerationTuning struct {
	Model         string        `yaml:"model"`
	Temperature   *float64      `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
	StopSequences []string      `yaml:"stop_sequences"`
}

// LoadTuning reads a single-document YAML tuning file. Unknown keys are
// rejected.
func LoadTuning(path string) (Tuning, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	var t Tuning
	if err := decodeYAMLStrict(b, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	if g := t.Generation; g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 1) {
		return Tuning{}, fmt.Errorf("tuning file %s: temperature must be within [0, 1]", path)
	}
	return t, nil
}

func decodeYAMLStrict(b []byte, t *Tuning) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
