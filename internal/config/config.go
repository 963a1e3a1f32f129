// Package config reads the bot configuration from config.toml and NSTBOT_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "NSTBOT"

type Config struct {
	Log      Log
	Telegram Telegram
	API      API
	Queue    Queue
	Store    Store
	Engine   Engine
	Weights  Weights
	Worker   Worker
	Dispatch Dispatch
}

type Log struct {
	Level  string `validate:"omitempty,oneof=trace debug info warn error"`
	Format string `validate:"oneof=json console"`
}

type Telegram struct {
	Enabled  bool
	BotToken string `validate:"required_if=Enabled true"`
	// HandlerTimeout bounds one command, including waiting for the transfer.
	HandlerTimeout time.Duration
	// TempDir holds the per-chat staging directories.
	TempDir string
}

type API struct {
	Enabled        bool
	Addr           string `validate:"required_if=Enabled true"`
	MaxUploadBytes int64  `validate:"gt=0"`
	MaxWait        time.Duration
	DefaultWait    time.Duration
}

type Queue struct {
	Driver           string `validate:"oneof=memory nats"`
	Topic            string `validate:"required"`
	NATSURL          string
	Embedded         bool
	EmbeddedPort     int
	EmbeddedStoreDir string
	BreakerThreshold uint32 `validate:"gt=0"`
	BreakerTimeout   time.Duration
}

type Store struct {
	Driver    string `validate:"oneof=memory badger"`
	Path      string `validate:"required_if=Driver badger"`
	Retention time.Duration

	// DeleteAfterResult removes a task once its result has been fetched.
	DeleteAfterResult bool
}

type Engine struct {
	ImageSize   int `validate:"gte=16"`
	JPEGQuality int `validate:"min=1,max=100"`
	Preload     bool

	// MaxInputPixels caps width*height of decoded input images.
	MaxInputPixels int `validate:"gte=1"`
}

type Weights struct {
	Backbone     string `validate:"required"`
	Decoder      string `validate:"required"`
	WidthDivisor int    `validate:"gte=1"`
}

type Worker struct {
	Count       int `validate:"gte=1"`
	TaskTimeout time.Duration
}

type Dispatch struct {
	// PollInterval is the fallback poll of Wait for store notifications that were dropped.
	PollInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.log_level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("handler.timeout", "10m")
	v.SetDefault("telegram.temp_dir", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.max_upload_bytes", 20<<20)
	v.SetDefault("api.max_wait", "2m")
	v.SetDefault("api.default_wait", "30s")

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.topic", "style_tasks")
	v.SetDefault("queue.nats_url", "")
	v.SetDefault("queue.embedded", true)
	v.SetDefault("queue.embedded_port", -1)
	v.SetDefault("queue.embedded_store_dir", "data/nats")
	v.SetDefault("queue.breaker_threshold", 5)
	v.SetDefault("queue.breaker_timeout", "30s")

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.path", "data/tasks")
	v.SetDefault("store.retention", "24h")
	v.SetDefault("store.delete_after_result", false)

	v.SetDefault("engine.image_size", 256)
	v.SetDefault("engine.jpeg_quality", 90)
	v.SetDefault("engine.preload", true)
	v.SetDefault("engine.max_input_pixels", 25_000_000)

	v.SetDefault("weights.backbone", "weights/vgg19.safetensors")
	v.SetDefault("weights.decoder", "weights/decoder.safetensors")
	v.SetDefault("weights.width_divisor", 1)

	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.task_timeout", "10m")

	v.SetDefault("dispatch.poll_interval", "2s")
}

// New returns a viper instance with defaults and environment overrides. A non-empty path
// selects the config file; otherwise config.toml is looked up in the working directory.
func New(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}
	v.SetConfigType("toml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return v
}

// Load reads the config file if there is one. A missing file is fine when it was not named
// explicitly; defaults and the environment then describe the whole config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}

	return FromViper(v)
}

type durations struct {
	v   *viper.Viper
	err error
}

func (d *durations) get(key string) time.Duration {
	if d.err != nil {
		return 0
	}

	dur, err := time.ParseDuration(d.v.GetString(key))
	if err != nil {
		d.err = fmt.Errorf("invalid duration for %s: %w", key, err)
	}

	return dur
}

func FromViper(v *viper.Viper) (*Config, error) {
	d := &durations{v: v}

	cfg := &Config{
		Log: Log{
			Level:  strings.ToLower(v.GetString("bot.log_level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Telegram: Telegram{
			Enabled:        v.GetBool("telegram.enabled"),
			BotToken:       v.GetString("telegram.bot_token"),
			HandlerTimeout: d.get("handler.timeout"),
			TempDir:        v.GetString("telegram.temp_dir"),
		},
		API: API{
			Enabled:        v.GetBool("api.enabled"),
			Addr:           v.GetString("api.addr"),
			MaxUploadBytes: v.GetInt64("api.max_upload_bytes"),
			MaxWait:        d.get("api.max_wait"),
			DefaultWait:    d.get("api.default_wait"),
		},
		Queue: Queue{
			Driver:           v.GetString("queue.driver"),
			Topic:            v.GetString("queue.topic"),
			NATSURL:          v.GetString("queue.nats_url"),
			Embedded:         v.GetBool("queue.embedded"),
			EmbeddedPort:     v.GetInt("queue.embedded_port"),
			EmbeddedStoreDir: v.GetString("queue.embedded_store_dir"),
			BreakerThreshold: v.GetUint32("queue.breaker_threshold"),
			BreakerTimeout:   d.get("queue.breaker_timeout"),
		},
		Store: Store{
			Driver:            v.GetString("store.driver"),
			Path:              v.GetString("store.path"),
			Retention:         d.get("store.retention"),
			DeleteAfterResult: v.GetBool("store.delete_after_result"),
		},
		Engine: Engine{
			ImageSize:      v.GetInt("engine.image_size"),
			JPEGQuality:    v.GetInt("engine.jpeg_quality"),
			Preload:        v.GetBool("engine.preload"),
			MaxInputPixels: v.GetInt("engine.max_input_pixels"),
		},
		Weights: Weights{
			Backbone:     v.GetString("weights.backbone"),
			Decoder:      v.GetString("weights.decoder"),
			WidthDivisor: v.GetInt("weights.width_divisor"),
		},
		Worker: Worker{
			Count:       v.GetInt("worker.count"),
			TaskTimeout: d.get("worker.task_timeout"),
		},
		Dispatch: Dispatch{
			PollInterval: d.get("dispatch.poll_interval"),
		},
	}

	if d.err != nil {
		return nil, d.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Queue.Driver == "nats" && !c.Queue.Embedded && c.Queue.NATSURL == "" {
		return errors.New("invalid config: queue.nats_url is required without an embedded server")
	}

	if c.Engine.ImageSize%16 != 0 {
		return fmt.Errorf("invalid config: engine.image_size %d is not a multiple of 16", c.Engine.ImageSize)
	}

	return nil
}
