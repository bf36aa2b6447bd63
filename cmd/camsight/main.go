package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/camsight/camsight/internal/config"
	"github.com/camsight/camsight/internal/detect"
	"github.com/camsight/camsight/internal/httpserver"
	"github.com/camsight/camsight/internal/inference"
	"github.com/camsight/camsight/internal/metrics"
	"github.com/camsight/camsight/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting camsight",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"model_path", cfg.ModelPath,
		"model_input_size", cfg.ModelInputSize,
		"inference_workers", cfg.InferenceWorkers,
		"inference_queue_depth", cfg.InferenceQueueDepth,
		"inference_deadline", cfg.InferenceDeadline,
		"static_dir_set", cfg.StaticDir != "",
	)

	m := metrics.New()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)

	// Model load failure is not fatal: the relay keeps running and inference
	// responses degrade to empty detection lists.
	var detector *detect.ONNXDetector
	detector, err = detect.NewONNXDetector(cfg.ModelPath, cfg.OnnxRuntimeLib)
	if err != nil {
		logger.Warn("model load failed, running without inference", "model_path", cfg.ModelPath, "err", err)
		detector = nil
	}
	srv.SetModelState(detector != nil)

	var engineDetector detect.Detector
	if detector != nil {
		engineDetector = detector
	}
	engine := detect.NewEngine(detect.EngineConfig{
		Detector:      engineDetector,
		InputSize:     cfg.ModelInputSize,
		ConfThreshold: cfg.ConfThreshold,
		IoUThreshold:  cfg.IoUThreshold,
	})

	gateway := inference.NewGateway(inference.Config{
		Engine:     engine,
		Workers:    cfg.InferenceWorkers,
		QueueDepth: cfg.InferenceQueueDepth,
		Deadline:   cfg.InferenceDeadline,
		Metrics:    m,
		Logger:     logger,
	})

	relay := signaling.NewRelay(signaling.RelayConfig{
		Metrics:      m,
		Logger:       logger,
		OnRoomPurged: gateway.CancelRoom,
	})
	sig := signaling.NewServer(signaling.ServerConfig{
		Relay:             relay,
		Gateway:           gateway,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		WriteWait:         cfg.WriteWait,
		Metrics:           m,
		Logger:            logger,
	})
	srv.Mux().Handle("GET /ws", sig)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		shutdownPipeline(gateway, detector)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	shutdownPipeline(gateway, detector)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func shutdownPipeline(gateway *inference.Gateway, detector *detect.ONNXDetector) {
	gateway.Close()
	if detector != nil {
		_ = detector.Close()
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
