package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/worldland/worldland-probe/internal/adapters/mtls"
	"github.com/worldland/worldland-probe/internal/api"
	"github.com/worldland/worldland-probe/internal/auth"
	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/probe"
	"github.com/worldland/worldland-probe/internal/services"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type ServeCmd struct {
	Addr string `help:"Listen address (overrides server.addr)."`
}

func (c *ServeCmd) Run(app *App) error {
	cfg := app.cfg
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	stack, err := app.newLocalStack(probe.NewSemaphoreRegion(int64(cfg.Server.MaxConcurrent)))
	if err != nil {
		return err
	}
	defer stack.close()

	handler := api.NewProbeHandler(stack.facade, stack.checker, app.log)
	handler.SetMaxTimeout(cfg.Server.MaxTimeout)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.RequireToken(cfg.Server.Token, mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if cfg.Server.TLS.Enabled() {
		cert, pool, err := mtls.LoadCredentials(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.CAFile)
		if err != nil {
			return err
		}
		server.TLSConfig = mtls.ServerConfig(cert, pool)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporterDone := make(chan struct{})
	if cfg.Hub.Enabled() {
		reporter, err := newReporter(app, stack.facade, stack.gpu)
		if err != nil {
			return err
		}
		go func() {
			defer close(reporterDone)
			if err := reporter.Run(ctx); err != nil {
				app.log.Error("hub reporter stopped", "error", err)
			}
		}()
	} else {
		close(reporterDone)
	}

	errCh := make(chan error, 1)
	go func() {
		app.log.Info("starting probe API server", "addr", cfg.Server.Addr, "mtls", server.TLSConfig != nil)
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	app.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.log.Warn("API server shutdown error", "error", err)
	}
	<-reporterDone

	app.log.Info("shutdown complete")
	return nil
}

// newReporter connects the facade to the hub over mTLS
func newReporter(app *App, source services.MetricsSource, gpu domain.GPUProvider) (*services.Reporter, error) {
	hub := app.cfg.Hub

	cert, pool, err := mtls.LoadCredentials(hub.TLS.CertFile, hub.TLS.KeyFile, hub.TLS.CAFile)
	if err != nil {
		return nil, err
	}
	client := mtls.NewClient(hub.Addr, cert, pool, app.log)

	// If node ID not configured, extract from certificate CN
	nodeID := hub.NodeID
	if nodeID == "" {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse hub certificate: %w", err)
		}
		if parsed.Subject.CommonName == "" {
			return nil, errors.New("hub.node_id is required (certificate has no CN)")
		}
		nodeID = parsed.Subject.CommonName
		app.log.Info("using certificate CN as node ID", "node_id", nodeID)
	}

	rc := services.ReporterConfig{
		NodeID:    nodeID,
		Interval:  hub.Interval,
		Source:    source,
		Transport: client,
		GPU:       gpu,
		Logger:    app.log,
	}
	if hub.SigningKeyFile != "" {
		signer, err := auth.LoadSigner(hub.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		app.log.Info("signing snapshots", "address", signer.Address())
		rc.Signer = signer
	}

	reporter, err := services.NewReporter(rc)
	if err != nil {
		return nil, err
	}
	client.OnCommand = reporter.HandleCommand
	return reporter, nil
}
