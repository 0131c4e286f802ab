package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filevault/internal/api"
	"filevault/internal/config"
	"filevault/internal/core"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: filevault <command> [arguments]

commands:
  serve                  run the HTTP API
  upload <path>          store a file and print its metadata
  download <id> <out>    restore a file to out ("-" for stdout)
  metadata <id>          print the metadata of a file
  delete <id>            remove a file
  exists <id>            print whether a file exists
  verify <id>            check a file against the hash taken at upload
`

func setupLogger(level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("FILEVAULT_LOG_LEVEL: %w", err)
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := setupLogger(settings.LogLevel)
	if err != nil {
		return err
	}

	command, rest := args[0], args[1:]
	if command == "serve" {
		return serve(ctx, settings, logger, rest)
	}

	manager, err := config.NewManager(ctx, settings, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer manager.Close()

	switch command {
	case "upload":
		return upload(ctx, manager, rest)
	case "download":
		return download(ctx, manager, rest)
	case "metadata":
		return metadata(ctx, manager, rest)
	case "delete":
		return remove(ctx, manager, rest)
	case "exists":
		return exists(ctx, manager, rest)
	case "verify":
		return verify(ctx, manager, rest)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
}

func serve(ctx context.Context, settings *config.Settings, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.String("listen", settings.Listen, "HTTP listen address")
	maxUpload := flags.Int64("max-upload", 0, "largest accepted upload in bytes, 0 for no limit")
	tempDir := flags.String("temp-dir", "", "directory receiving uploads in flight")
	ioTimeout := flags.Duration("io-timeout", 10*time.Minute, "read and write timeout for a single request")
	if err := flags.Parse(args); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := config.NewManager(ctx, settings, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer manager.Close()

	server, err := api.NewServer(manager, api.Config{
		TempDir:       *tempDir,
		MaxUploadSize: *maxUpload,
		Registry:      registry,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       *ioTimeout,
		WriteTimeout:      *ioTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		logger.Info("Starting filevault HTTP server", "listen", *listen, "engine", settings.Engine)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func parseID(args []string, want int, syntax string) (uuid.UUID, error) {
	if len(args) != want {
		return uuid.Nil, fmt.Errorf("usage: filevault %s", syntax)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid file id %q: %w", args[0], err)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// upload stores path under its base name, the final extension split off.
func upload(ctx context.Context, manager *core.Manager, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: filevault upload <path>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	base := filepath.Base(args[0])
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	meta, err := manager.Upload(ctx, name, ext, f)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func download(ctx context.Context, manager *core.Manager, args []string) error {
	id, err := parseID(args, 2, "download <id> <out>")
	if err != nil {
		return err
	}

	content, err := manager.Download(ctx, id)
	if err != nil {
		return err
	}

	if args[1] == "-" {
		_, err = io.Copy(os.Stdout, content)
		return err
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, content); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func metadata(ctx context.Context, manager *core.Manager, args []string) error {
	id, err := parseID(args, 1, "metadata <id>")
	if err != nil {
		return err
	}

	meta, err := manager.FetchMetadata(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func remove(ctx context.Context, manager *core.Manager, args []string) error {
	id, err := parseID(args, 1, "delete <id>")
	if err != nil {
		return err
	}
	return manager.Delete(ctx, id)
}

func exists(ctx context.Context, manager *core.Manager, args []string) error {
	id, err := parseID(args, 1, "exists <id>")
	if err != nil {
		return err
	}

	ok, err := manager.Exists(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(ok)
	return nil
}

func verify(ctx context.Context, manager *core.Manager, args []string) error {
	id, err := parseID(args, 1, "verify <id>")
	if err != nil {
		return err
	}

	if err := manager.Verify(ctx, id); err != nil {
		return err
	}
	fmt.Printf("%s ok\n", id)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		slog.Error("filevault exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
