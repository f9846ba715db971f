package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/warp-tech/warpgate/internal/config"
	"github.com/warp-tech/warpgate/internal/limiter"
	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/proxy/httpgw"
	"github.com/warp-tech/warpgate/internal/proxy/kubernetes"
	"github.com/warp-tech/warpgate/internal/proxy/postgres"
	sshproxy "github.com/warp-tech/warpgate/internal/proxy/ssh"
	"github.com/warp-tech/warpgate/internal/recorder"
	"github.com/warp-tech/warpgate/internal/session"
)

func newServeCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bastion's protocol front ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, configPath, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "127.0.0.1:9090", "Address to serve /metrics on")
	return cmd
}

func runServe(ctx context.Context, cfgPath, metricsAddr string) error {
	cfg, db, provider, err := openStore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return trace.Wrap(err)
	}

	limSvc, err := limiter.NewService(ctx, limiter.Config{
		DB: db,
		IP: limiter.IPPolicy{
			MaxAttempts:        cfg.LoginProtection.IPMaxAttempts,
			TimeWindow:         cfg.LoginProtection.IPTimeWindow,
			BaseDuration:       cfg.LoginProtection.IPBaseDuration,
			Multiplier:         cfg.LoginProtection.IPMultiplier,
			MaxDuration:        cfg.LoginProtection.IPMaxDuration,
			CooldownResetAfter: cfg.LoginProtection.IPCooldownResetAfter,
		},
		User: limiter.UserPolicy{
			MaxAttempts: cfg.LoginProtection.UserMaxAttempts,
			TimeWindow:  cfg.LoginProtection.UserTimeWindow,
			LockoutFor:  cfg.LoginProtection.UserLockoutFor,
			AutoUnlock:  cfg.LoginProtection.UserAutoUnlock,
		},
		CleanupInterval: cfg.LoginProtection.CleanupInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	recMgr, err := recorder.NewManager(recorder.Config{
		DataDir: cfg.Recording.DataDir,
		Enabled: cfg.Recording.Enabled,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	orch := session.NewOrchestrator(provider, limSvc, recMgr)

	errCh := make(chan error, 8)
	running := 0

	if cfg.SSH.Enabled {
		hostKeys, err := loadHostKeys(cfg.SSH.HostKeyFiles)
		if err != nil {
			return trace.Wrap(err)
		}
		srv, err := sshproxy.New(sshproxy.Config{
			Orchestrator: orch,
			Identity:     provider,
			Recorder:     recMgr,
			HostKeys:     hostKeys,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		l, err := net.Listen("tcp", cfg.SSH.Address)
		if err != nil {
			return trace.Wrap(err, "binding ssh listener")
		}
		running++
		go func() { errCh <- srv.Serve(ctx, l) }()
		log.WithField("address", cfg.SSH.Address).Info("ssh front end listening")
	}

	if cfg.Postgres.Enabled {
		pgProxy, err := postgres.New(postgres.Config{
			Identity:     provider,
			Orchestrator: orch,
			Recorder:     recMgr,
			IdleTimeout:  cfg.Limits.IdleTimeout,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		l, err := net.Listen("tcp", cfg.Postgres.Address)
		if err != nil {
			return trace.Wrap(err, "binding postgres listener")
		}
		running++
		go func() { errCh <- servePostgres(ctx, pgProxy, l) }()
		log.WithField("address", cfg.Postgres.Address).Info("postgres front end listening")
	}

	if cfg.Kubernetes.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Kubernetes.CertFile, cfg.Kubernetes.KeyFile)
		if err != nil {
			return trace.Wrap(err, "loading kubernetes TLS certificate")
		}
		srv, err := kubernetes.New(kubernetes.Config{
			Orchestrator: orch,
			Identity:     provider,
			Recorder:     recMgr,
			TLSCert:      cert,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		l, err := net.Listen("tcp", cfg.Kubernetes.Address)
		if err != nil {
			return trace.Wrap(err, "binding kubernetes listener")
		}
		running++
		go func() { errCh <- srv.Serve(ctx, l) }()
		log.WithField("address", cfg.Kubernetes.Address).Info("kubernetes front end listening")
	}

	if cfg.HTTP.Enabled {
		var certPtr *tls.Certificate
		if cfg.HTTP.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
			if err != nil {
				return trace.Wrap(err, "loading http TLS certificate")
			}
			certPtr = &cert
		}
		srv, err := httpgw.New(httpgw.Config{
			Orchestrator:   orch,
			Identity:       provider,
			Recorder:       recMgr,
			TLSCert:        certPtr,
			RequestTimeout: cfg.Limits.RequestTimeout,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		l, err := net.Listen("tcp", cfg.HTTP.Address)
		if err != nil {
			return trace.Wrap(err, "binding http listener")
		}
		running++
		go func() { errCh <- srv.Serve(ctx, l) }()
		log.WithField("address", cfg.HTTP.Address).Info("http front end listening")
	}

	go runRetentionLoop(ctx, limSvc, cfg)
	go serveMetrics(ctx, metricsAddr)

	if running == 0 {
		log.Warn("no protocol front end is enabled; nothing to serve")
	}

	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// servePostgres accepts raw TCP connections and hands each to
// pgProxy.HandleConnection, since postgres.Proxy (unlike the other three
// front ends) negotiates its own startup/SSL handshake per connection
// rather than exposing a Serve loop.
func servePostgres(ctx context.Context, pgProxy *postgres.Proxy, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		}
		go func() {
			if err := pgProxy.HandleConnection(ctx, conn); err != nil {
				log.WithError(err).Debug("postgres connection ended")
			}
		}()
	}
}

func runRetentionLoop(ctx context.Context, limSvc *limiter.Service, cfg *config.Config) {
	ticker := time.NewTicker(cfg.LoginProtection.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limSvc.CleanupExpired(ctx, cfg.RetentionDuration()); err != nil {
				log.WithError(err).Warn("retention cleanup failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	if err := srv.ListenAndServe(); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("metrics listener stopped")
	}
}

func loadHostKeys(paths []string) ([]ssh.Signer, error) {
	if len(paths) == 0 {
		return nil, trace.BadParameter("ssh.host_key_files must name at least one host key")
	}
	signers := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, trace.Wrap(err, "reading host key %q", p)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing host key %q", p)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
