package config

import (
	"context"
	"fmt"
	"log/slog"

	"filevault/internal/core"
	"filevault/internal/metrics"
	"filevault/internal/storage"
	pkgstorage "filevault/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// NewEngine opens the storage engine named by s.Engine. When reg is not nil
// the engine is wrapped with Prometheus instrumentation registered there.
func NewEngine(ctx context.Context, s *Settings, reg prometheus.Registerer, logger *slog.Logger) (pkgstorage.StorageEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		engine pkgstorage.StorageEngine
		err    error
	)

	switch s.Engine {
	case EngineMemory:
		engine = storage.NewMemoryStorage()

	case EngineLocal:
		engine, err = storage.NewLocalFileStorage(s.DataDir)

	case EngineSQLite:
		engine, err = storage.NewSQLiteStorage(ctx, storage.SQLiteOptions{
			Path:           s.SQLitePath,
			CommandTimeout: s.CommandTimeout,
			BufferSize:     s.BufferSize,
			Logger:         logger,
		})

	case EnginePostgres:
		engine, err = storage.NewPostgresStorage(ctx, storage.PostgresOptions{
			ConnString:           s.PostgresURL,
			CommandTimeout:       s.CommandTimeout,
			BufferSize:           s.BufferSize,
			LargeObjectThreshold: s.LargeObjectThreshold,
			Logger:               logger,
		})

	case EngineMinio:
		var ms *storage.MinioStorage
		ms, err = storage.NewMinioStorage(storage.MinioOptions{
			Endpoint:        s.MinioEndpoint,
			AccessKeyID:     s.MinioAccessKey,
			SecretAccessKey: s.MinioSecretKey,
			UseSSL:          s.MinioUseSSL,
			DataBucket:      s.DataBucket,
			MetadataBucket:  s.MetadataBucket,
			CommandTimeout:  s.CommandTimeout,
			Logger:          logger,
		})
		if err == nil {
			if err = ms.EnsureBuckets(ctx); err != nil {
				_ = ms.Close()
			}
		}
		engine = ms

	default:
		err = fmt.Errorf("%w: unknown engine %q", pkgstorage.ErrInvalidArgument, s.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", s.Engine, err)
	}

	logger.Debug("Opened storage engine", "engine", s.Engine)

	if reg != nil {
		engine = metrics.NewInstrumentedEngine(engine, s.Engine, reg)
	}
	return engine, nil
}

func NewCompressor(s *Settings) (core.Compressor, error) {
	return core.NewCompressor(s.Compression)
}

func NewEncryptor(s *Settings) (core.Encryptor, error) {
	switch s.Encryption {
	case pkgstorage.EncryptionNone:
		return core.NoneEncryptor{}, nil
	case pkgstorage.EncryptionAES:
		return core.NewAESEncryptor(s.AESKey, s.AESIV)
	default:
		return nil, fmt.Errorf("%w: encryption algorithm %s is not supported", pkgstorage.ErrInvalidArgument, s.Encryption)
	}
}

// NewManager opens the configured engine and builds a Manager over it. The
// caller owns the Manager and must Close it.
func NewManager(ctx context.Context, s *Settings, reg prometheus.Registerer, logger *slog.Logger) (*core.Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compressor, err := NewCompressor(s)
	if err != nil {
		return nil, err
	}
	encryptor, err := NewEncryptor(s)
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(ctx, s, reg, logger)
	if err != nil {
		return nil, err
	}

	manager, err := core.NewManager(
		core.WithStorageEngine(engine),
		core.WithCompressor(compressor),
		core.WithEncryptor(encryptor),
		core.WithLogger(logger),
	)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return manager, nil
}
