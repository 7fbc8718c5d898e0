package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/kiosk-audio-service/internal/config"
	"github.com/skypro1111/kiosk-audio-service/internal/decoder"
	"github.com/skypro1111/kiosk-audio-service/internal/metrics"
	"github.com/skypro1111/kiosk-audio-service/internal/server"
	"github.com/skypro1111/kiosk-audio-service/internal/sink"
	"github.com/skypro1111/kiosk-audio-service/internal/stream"
	"github.com/skypro1111/kiosk-audio-service/internal/transcription"
	"github.com/skypro1111/kiosk-audio-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "kiosk-audio-service"
	serviceVersion    = "1.0.0"

	flushTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file with KIOSK_* overrides")
	flag.Parse()

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.WSPort),
		slog.Bool("tcp_enabled", cfg.Server.TCPEnabled),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_size_ms", cfg.Audio.ChunkSizeMs),
		slog.Float64("history_buffer_duration_sec", cfg.Audio.HistoryBufferDurationSec),
		slog.Float64("safety_margin_sec", cfg.Audio.SafetyMarginSec),
		slog.String("vad_model", cfg.VAD.Model),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)
	for _, warning := range cfg.Warnings() {
		logger.Warn("Configuration warning", slog.String("warning", warning))
	}

	// Prometheus registry with process and Go runtime collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	detector, err := vad.NewEnergyDetector(vad.EnergyConfig{
		SampleRate:       cfg.Audio.SampleRate,
		FrameMs:          cfg.VAD.FrameMs,
		Threshold:        cfg.VAD.Threshold,
		SilenceThreshold: cfg.VAD.SilenceThreshold,
		MinSpeechMs:      cfg.VAD.MinSpeechMs,
		MinSilenceMs:     cfg.VAD.MinSilenceMs,
		MaxSegmentMs:     cfg.VAD.MaxSegmentMs,
	})
	if err != nil {
		logger.Error("Failed to create voice activity detector", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Voice activity detector initialized",
		slog.String("model", cfg.VAD.Model),
		slog.Int64("lookback_ms", detector.LookbackMs()),
	)

	connMgr, err := stream.NewManager(logger, managerConfig(cfg), detector, appMetrics)
	if err != nil {
		logger.Error("Failed to create connection manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	wsServer := server.NewWSServer(&cfg.Server, logger, connMgr, appMetrics)
	connMgr.AddSink("ws_notify", wsServer)
	ingest := []server.IngestSource{wsServer}

	var tcpServer *server.TCPServer
	if cfg.Server.TCPEnabled {
		tcpServer = server.NewTCPServer(&cfg.Server, logger, connMgr, appMetrics)
		ingest = append(ingest, tcpServer)
	}

	if cfg.Debug.SaveSegments {
		wavSink, err := sink.NewWAVSink(cfg.Debug.SegmentDir, logger)
		if err != nil {
			logger.Error("Failed to create WAV sink", slog.String("error", err.Error()))
			os.Exit(1)
		}
		connMgr.AddSink("wav", wavSink)
		logger.Info("Saving segments as WAV", slog.String("segment_dir", cfg.Debug.SegmentDir))
	}

	var transcriber *transcription.Client
	if cfg.Transcription.Enabled {
		transcriber, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Language:      cfg.Transcription.Language,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			OutputFormat:  cfg.Transcription.OutputFormat,
		}, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		transcriber.OnResult(wsServer.NotifyTranscript)
		connMgr.AddSink("transcription", transcriber)
		logger.Info("Transcription enabled", slog.String("endpoint", cfg.Transcription.Endpoint))
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		deps := server.HTTPDependencies{
			Config:   cfg,
			Manager:  connMgr,
			Detector: detector,
			Ingest:   ingest,
			Metrics:  appMetrics,
			Gatherer: registry,
		}
		if transcriber != nil {
			deps.Transcription = transcriber
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, deps)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if tcpServer != nil {
		if err := tcpServer.Start(); err != nil {
			logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", wsServer.Addr()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop monitoring first, then ingest, so pipelines drain with no new input.
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}
	if tcpServer != nil {
		if err := tcpServer.Stop(); err != nil {
			logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
		}
	}
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	// Flushes pending segments and delivers them to the sinks.
	connMgr.Stop()

	if transcriber != nil {
		if err := transcriber.Close(shutdownCtx); err != nil {
			logger.Warn("Transcriptions still running at shutdown", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service stopped",
		slog.Int64("decoder_workers", decoder.ActiveWorkers()),
	)
}

func managerConfig(cfg *config.Config) stream.ManagerConfig {
	return stream.ManagerConfig{
		Connection: stream.ConnectionConfig{
			SampleRate:       cfg.Audio.SampleRate,
			ChunkSizeMs:      cfg.Audio.ChunkSizeMs,
			HistoryDuration:  cfg.Audio.GetHistoryDuration(),
			SafetyMargin:     cfg.Audio.GetSafetyMargin(),
			RawQueueSize:     cfg.Queues.RawQueueSize,
			PCMQueueSize:     cfg.Queues.PCMQueueSize,
			ChunkQueueSize:   cfg.Queues.ChunkQueueMaxsize,
			SegmentQueueSize: cfg.Queues.SegmentQueueSize,
			Decoder: decoder.Config{
				SampleRate:      cfg.Audio.SampleRate,
				Channels:        cfg.Audio.Channels,
				SampleFormat:    cfg.Audio.SampleFormat,
				InputQueueSize:  cfg.Decoder.InputQueueSize,
				OutputQueueSize: cfg.Decoder.OutputQueueSize,
				JoinTimeout:     cfg.Decoder.GetJoinTimeout(),
			},
			ResetOnDetectorError: cfg.VAD.ResetOnDetectorError,
			FlushTimeout:         flushTimeout,
		},
		MaxConnections: cfg.Server.MaxConnections,
		IdleTimeout:    cfg.Server.GetIdleTimeoutDuration(),
		NewDecoder:     stream.NewOggOpusDecoder,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}
