// Command therascribe is the entry point for the therascribe transcription
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/therascribe/internal/app"
	"github.com/MrWong99/therascribe/internal/config"
	"github.com/MrWong99/therascribe/internal/observe"
	"github.com/MrWong99/therascribe/pkg/provider/stt"
	"github.com/MrWong99/therascribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/therascribe/pkg/provider/stt/google"
	sttmock "github.com/MrWong99/therascribe/pkg/provider/stt/mock"
	"github.com/MrWong99/therascribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/therascribe/pkg/provider/tts"
	"github.com/MrWong99/therascribe/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/MrWong99/therascribe/pkg/provider/tts/mock"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "therascribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "therascribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("therascribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telemetryCfg := observe.ProviderConfig{
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  version,
		Registry:        promReg,
		TraceSampleRate: cfg.Telemetry.TraceSampleRate,
	}
	if ep := cfg.Telemetry.OTLPEndpoint; ep != "" {
		exp, err := observe.NewOTLPTraceExporter(context.Background(), ep, cfg.Telemetry.OTLPInsecure)
		if err != nil {
			slog.Error("failed to create trace exporter", "endpoint", ep, "err", err)
			return 1
		}
		telemetryCfg.TraceExporter = exp
		slog.Info("exporting traces", "endpoint", ep)
	}
	shutdownTelemetry, err := observe.InitProvider(context.Background(), telemetryCfg)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithPrometheusRegistry(promReg),
		app.WithLogLevel(&level),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every built-in provider factory into reg.
// The pipeline language is the fallback when an entry sets none.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	lang := func(entry config.ProviderEntry) string {
		if l := optString(entry.Options, "language"); l != "" {
			return l
		}
		return cfg.Pipeline.Language
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Adapter, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(lang(entry))}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "reconnect_attempts"); n > 0 {
			opts = append(opts, deepgram.WithReconnect(n, time.Second))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Adapter, error) {
		opts := []whisper.Option{whisper.WithLanguage(lang(entry))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Adapter, error) {
		path := optString(entry.Options, "model_path")
		if path == "" {
			path = entry.Model
		}
		return whisper.NewNative(path, whisper.WithNativeLanguage(lang(entry)))
	})

	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Adapter, error) {
		var opts []google.Option
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if n := optInt(entry.Options, "reopen_attempts"); n > 0 {
			opts = append(opts, google.WithReopen(n, time.Second))
		}
		// Credentials come from Application Default Credentials.
		return google.NewFromEnvironment(context.Background(), entry.BaseURL, opts...)
	})

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Adapter, error) {
		mode := stt.ModeBatch
		if optString(entry.Options, "mode") == "streaming" {
			mode = stt.ModeStreaming
		}
		return sttmock.New(entry.Name, mode), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		s := ttsmock.New(entry.Name)
		// 100ms of silence at 16kHz.
		s.Chunks = [][]byte{make([]byte, 3200)}
		return s, nil
	})

	slog.Debug("registered providers", "stt", reg.STTNames())
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      therascribe · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, e := range cfg.Providers.STT {
		kind := "STT fallback"
		if i == 0 {
			kind = "STT primary"
		}
		printProvider(kind, e.Name, e.Model)
	}
	for _, e := range cfg.Providers.TTS {
		printProvider("TTS", e.Name, e.Model)
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", "Mode", cfg.Pipeline.Mode)
	fmt.Printf("║  %-12s    : %-19v ║\n", "Failover", cfg.Pipeline.FailoverEnabled)
	kafka := "(disabled)"
	if len(cfg.Sink.Kafka.Brokers) > 0 {
		kafka = cfg.Sink.Kafka.Topic
	}
	printProvider("Kafka", kafka, "")
	fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
