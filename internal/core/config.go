package core

import (
	"log/slog"

	"filevault/pkg/storage"

	"github.com/juju/clock"
)

type Config struct {
	Engine     storage.StorageEngine
	Compressor Compressor
	Encryptor  Encryptor
	Clock      clock.Clock
	Logger     *slog.Logger
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithCompressor(compressor Compressor) ConfigOption {
	return func(cfg *Config) {
		cfg.Compressor = compressor
	}
}

func WithEncryptor(encryptor Encryptor) ConfigOption {
	return func(cfg *Config) {
		cfg.Encryptor = encryptor
	}
}

// WithClock sets the clock used to stamp UploadedAt.
func WithClock(clk clock.Clock) ConfigOption {
	return func(cfg *Config) {
		cfg.Clock = clk
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// NewConfig applies opts over the defaults: no compression, no encryption,
// the wall clock and the default slog logger. There is no default engine.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		Compressor: NoneCompressor{},
		Encryptor:  NoneEncryptor{},
		Clock:      clock.WallClock,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
