// Command apnsmock runs the protocol-accurate mock APNs gateway: a
// TLS+HTTP/2 listener that validates notifications the same way the real
// gateway does and replies with the same accept/reject envelope, for
// integration testing without a sandbox Apple account.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelpush/apns"
	"github.com/kestrelpush/apns/certificate"
	"github.com/kestrelpush/apns/mock"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "apnsmock:", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apnsmock:", err)
		os.Exit(2)
	}
	defer log.Sync()

	prog := &program{cfg: cfg, log: log}

	svc, err := service.New(prog, &service.Config{
		Name:        "apnsmock",
		DisplayName: "APNs Mock Gateway",
		Description: "Protocol-accurate mock APNs gateway for integration testing.",
	})
	if err != nil {
		log.Fatal("building service", zap.Error(err))
	}

	switch cfg.Service {
	case "":
		// No SCM in the picture: run in the foreground, shutting down
		// cleanly on SIGINT/SIGTERM instead of going through Start/Stop.
		ctx, stop := runSignalContext()
		defer stop()
		if err := prog.run(ctx); err != nil {
			log.Fatal("apnsmock exited", zap.Error(err))
		}
	case "run":
		// Invoked by the SCM (or systemd): block in Run, which calls
		// Start/Stop on our behalf when the manager asks us to stop.
		if err := svc.Run(); err != nil {
			log.Fatal("service run", zap.Error(err))
		}
	default:
		if err := service.Control(svc, cfg.Service); err != nil {
			log.Fatal("service control", zap.String("action", cfg.Service), zap.Error(err))
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// program adapts the mock server's lifecycle to kardianos/service's
// Start/Stop contract, so apnsmock can install itself as a long-running
// OS service instead of only running in a foreground terminal.
type program struct {
	cfg    *appConfig
	log    *zap.Logger
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := p.run(ctx); err != nil {
			p.log.Error("apnsmock stopped", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *program) run(ctx context.Context) error {
	cfg := p.cfg
	if err := cfg.validate(); err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAnyClientCert
	}

	srv := mock.NewServer(tlsCfg, p.log)
	srv.SetEmulateInternalErrors(cfg.EmulateInternalErrors)

	if cfg.DeviceToken != "" {
		srv.RegisterDeviceToken(cfg.Topic, cfg.DeviceToken, nil)
		p.log.Info("pre-registered device token", zap.String("topic", cfg.Topic))
	}
	if cfg.KeyID != "" {
		pub, err := certificate.LoadVerificationKeyPEM(cfg.VerificationKeyFile)
		if err != nil {
			return fmt.Errorf("load verification key: %w", err)
		}
		topics := []string{cfg.Topic}
		srv.RegisterVerificationKey(apns.VerificationKey{
			KeyID: cfg.KeyID, TeamID: cfg.TeamID, PublicKey: pub,
		}, topics)
		p.log.Info("pre-registered verification key", zap.String("key_id", cfg.KeyID))
	}
	if cfg.FixturesFile != "" {
		fixtures, err := mock.LoadFixtures(cfg.FixturesFile)
		if err != nil {
			return fmt.Errorf("load fixtures: %w", err)
		}
		if err := fixtures.Apply(srv, certificate.LoadVerificationKeyPEM); err != nil {
			return fmt.Errorf("apply fixtures: %w", err)
		}
		p.log.Info("applied fixtures file",
			zap.String("path", cfg.FixturesFile),
			zap.Int("device_tokens", len(fixtures.DeviceTokens)),
			zap.Int("verification_keys", len(fixtures.Keys)))
	}

	if err := srv.Start(cfg.Addr); err != nil {
		return fmt.Errorf("start mock gateway: %w", err)
	}
	p.log.Info("mock APNs gateway listening", zap.String("addr", srv.Addr()))

	admin := newAdminServer(cfg.AdminAddr, cfg.AdminCORSOrigins, p.log)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error("admin server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	p.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	return srv.Close()
}

// newAdminServer builds the operational mux exposed on a separate port:
// health and Prometheus metrics, never the notification path itself.
// corsOrigins lets a browser-based dashboard poll /metrics directly; an
// empty list disables CORS entirely (same-origin tooling, curl, Prometheus
// itself never need it).
func newAdminServer(addr string, corsOrigins []string, log *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET"},
			MaxAge:         300,
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: r}
}

func runSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
