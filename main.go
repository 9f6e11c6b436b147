// Command chatbridge is the main entrypoint for the multi-tenant chat session
// gateway. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (file or Postgres).
//   - Builds the session manager, outbound dispatcher, and webhook notifier.
//   - Exposes the HTTP API: session lifecycle, sending, QR retrieval,
//     /healthz, /readyz, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatbridge/config"
	"github.com/onnwee/chatbridge/credstore"
	"github.com/onnwee/chatbridge/dispatch"
	"github.com/onnwee/chatbridge/notify"
	"github.com/onnwee/chatbridge/protocol"
	"github.com/onnwee/chatbridge/protocol/sim"
	"github.com/onnwee/chatbridge/qr"
	"github.com/onnwee/chatbridge/server"
	"github.com/onnwee/chatbridge/session"
	"github.com/onnwee/chatbridge/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatbridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store
	var creds credstore.Store
	var credPinger server.Pinger
	switch cfg.CredBackend {
	case "postgres":
		pg, err := credstore.NewPostgresStore(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open postgres credential store", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				slog.Error("failed to close credential store", slog.Any("err", err))
			}
		}()
		creds = pg
		credPinger = pg
	default:
		fs, err := credstore.NewFileStore(cfg.CredDir)
		if err != nil {
			slog.Error("failed to open file credential store", slog.Any("err", err))
			os.Exit(1)
		}
		creds = fs
	}

	// Protocol driver. The simulated driver is the only in-tree one; real
	// drivers implement protocol.Client and plug in here.
	var dial protocol.Dialer
	switch cfg.ProtocolDriver {
	case "sim":
		slog.Info("using simulated protocol driver")
		dial = sim.Dialer()
	default:
		slog.Error("unknown PROTOCOL_DRIVER", slog.String("driver", cfg.ProtocolDriver))
		os.Exit(1)
	}

	notifier := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout)

	// Session manager and dispatcher reference each other (the dispatcher
	// resolves open sessions through the manager; the manager feeds receipts
	// back), so the manager is built first with a late-bound sink.
	var dispatcher *dispatch.Dispatcher
	manager := session.NewManager(ctx, session.Deps{
		Dial:     dial,
		Notifier: notifier,
		Creds:    creds,
		Renderer: qr.PNGRenderer{},
		Receipts: receiptSink{d: &dispatcher},
		Tunables: session.Tunables{
			InitMaxAttempts:     cfg.InitMaxAttempts,
			InitRetryDelay:      cfg.InitRetryDelay,
			WatchdogTimeout:     cfg.WatchdogTimeout,
			ReconnectDropDelay:  cfg.ReconnectDropDelay,
			ReconnectOtherDelay: cfg.ReconnectOtherDelay,
			ReconnectMaxDelay:   cfg.ReconnectMaxDelay,
			ReconnectMaxRetries: cfg.ReconnectMaxRetries,
			CacheCapacity:       cfg.CacheCapacity,
		},
	})
	dispatcher = dispatch.New(manager, dispatch.Options{
		MinDelay:    cfg.SendMinDelay,
		WaitTimeout: cfg.DeliveryWaitTimeout,
		MaxAge:      cfg.DeliveryMaxAge,
	})
	go dispatcher.StartSweeper(ctx, cfg.DeliverySweepEvery)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	handlers := server.NewHandlers(manager, dispatcher)
	if credPinger != nil {
		handlers.AddReadinessCheck("credstore", credPinger)
	}
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	slog.Info("gateway started", slog.String("addr", cfg.HTTPAddr), slog.String("cred_backend", cfg.CredBackend))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// receiptSink defers dispatcher resolution until after both halves exist.
type receiptSink struct {
	d **dispatch.Dispatcher
}

func (r receiptSink) MarkStatus(messageID string, status protocol.Status) {
	if d := *r.d; d != nil {
		d.MarkStatus(messageID, status)
	}
}

func (r receiptSink) DropTenant(tenantID string) {
	if d := *r.d; d != nil {
		d.DropTenant(tenantID)
	}
}
