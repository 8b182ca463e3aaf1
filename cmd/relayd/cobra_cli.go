package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/tunnelrelay/internal/relayconfig"
	"github.com/freitascorp/tunnelrelay/pkg/aliascache"
	"github.com/freitascorp/tunnelrelay/pkg/control"
	"github.com/freitascorp/tunnelrelay/pkg/counters"
	"github.com/freitascorp/tunnelrelay/pkg/identity"
	"github.com/freitascorp/tunnelrelay/pkg/ingress"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
	"github.com/freitascorp/tunnelrelay/pkg/ratelimit"
	"github.com/freitascorp/tunnelrelay/pkg/routing"
)

var flagJSON bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Tunnel relay: control-channel server and public HTTP ingress",
	}
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Log in JSON format")
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relayd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayd %s\n", formatVersion())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay's control channel and ingress servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newLogger() *slog.Logger {
	if flagJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newRelayRunID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("relayd: generate run id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func runServe(ctx context.Context) error {
	logger := newLogger()

	cfg, err := relayconfig.Load()
	if err != nil {
		return fmt.Errorf("relayd: load config: %w", err)
	}

	reserved, err := relayconfig.LoadReservedAliases(cfg.ReservedAliasFile)
	if err != nil {
		return fmt.Errorf("relayd: load reserved aliases: %w", err)
	}
	if reserved == nil {
		reserved = identity.DefaultReserved
	}

	relayRunID, err := newRelayRunID()
	if err != nil {
		return err
	}
	logger.Info("relayd: starting", "relay_run_id", relayRunID, "ingress_addr", fmt.Sprintf("%s:%d", cfg.IngressHost, cfg.IngressPort), "control_port", cfg.ControlPort)

	metrics := observability.NewRelayMetrics()
	table := routing.NewTable()
	counterReg := counters.NewRegistry()
	limiter := ratelimit.New(cfg.RateLimitRequests)

	resolver, err := aliascache.New(cfg.ControlPlaneURL, cfg.InternalSecret, 0,
		aliascache.WithPositiveTTL(cfg.AliasCacheTTL()),
		aliascache.WithNegativeTTL(cfg.AliasCacheNegTTL()),
	)
	if err != nil {
		return fmt.Errorf("relayd: build alias resolver: %w", err)
	}

	ingressCfg := ingress.DefaultConfig()
	ingressCfg.MaxBodyBytes = cfg.MaxRequestSize
	ingressCfg.RequestTimeout = cfg.RequestTimeout()
	ingressCfg.MaxConcurrentPerIdentity = cfg.MaxConcurrentPerIdentity
	ingressCfg.ReservedAlias = reserved

	dispatcher := ingress.NewDispatcher(table, resolver, limiter, counterReg, metrics, logger.With("component", "ingress"), ingressCfg)
	introspection := ingress.NewIntrospection(table, counterReg, logger.With("component", "introspection"), cfg.InternalSecret, relayRunID)
	mux := ingress.NewMux(dispatcher, introspection)

	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.IngressHost, fmt.Sprintf("%d", cfg.IngressPort)),
		Handler: mux,
	}

	controlCfg := control.DefaultConfig()
	controlCfg.MaxFrameBytes = cfg.MaxRequestSize
	controlCfg.HeartbeatTimeout = cfg.HeartbeatTimeout()
	controlServer := control.NewServer(table, metrics, logger.With("component", "control"), relayRunID, controlCfg)

	controlLn, err := net.Listen("tcp", net.JoinHostPort(cfg.IngressHost, fmt.Sprintf("%d", cfg.ControlPort)))
	if err != nil {
		return fmt.Errorf("relayd: listen control: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := controlServer.Serve(runCtx, controlLn); err != nil {
			errCh <- fmt.Errorf("relayd: control server: %w", err)
		}
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("relayd: ingress server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("relayd: received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("relayd: fatal error", "err", err)
		return err
	case <-ctx.Done():
	}

	return gracefulShutdown(logger, httpSrv, controlLn, cancel, table)
}

func gracefulShutdown(logger *slog.Logger, httpSrv *http.Server, controlLn net.Listener, cancelControl context.CancelFunc, table *routing.Table) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown stops accepting at once but then waits for in-flight
	// handlers, which the loop below releases, so it runs alongside it.
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- httpSrv.Shutdown(shutdownCtx) }()

	// Fail every in-flight ingress request so its HTTP caller gets an
	// immediate response instead of waiting out its full deadline, then
	// tear down every control connection (spec.md §5 graceful shutdown).
	for _, reg := range table.Snapshot() {
		reg.Pending.FailAll()
		routing.CloseDisplaced(reg)
	}

	if err := <-shutdownErr; err != nil {
		logger.Warn("relayd: ingress shutdown error", "err", err)
	}

	cancelControl()
	controlLn.Close()

	logger.Info("relayd: shutdown complete")
	return nil
}
