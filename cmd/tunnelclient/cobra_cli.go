package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/tunnelrelay/pkg/forwarder"
	"github.com/freitascorp/tunnelrelay/pkg/observability"
)

var (
	flagJSON             bool
	flagRelayHost        string
	flagRelayControlPort int
	flagToken            string
	flagLocalPort        int
	flagDebugPort        int
	flagRequestTimeout   time.Duration
	flagHeartbeatInt     time.Duration
	flagHeartbeatTimeout time.Duration
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelclient",
		Short: "Client forwarder: register with a relay and serve local requests",
	}
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Log in JSON format")
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tunnelclient version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnelclient %s\n", formatVersion())
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a relay and forward requests to a local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForwarder(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flagRelayHost, "relay-host", "", "Relay hostname or IP (required)")
	cmd.Flags().IntVar(&flagRelayControlPort, "relay-control-port", 7071, "Relay control-channel port")
	cmd.Flags().StringVar(&flagToken, "token", "", "Tunnel token (required)")
	cmd.Flags().IntVar(&flagLocalPort, "local-port", 0, "Local port to forward requests to (required)")
	cmd.Flags().IntVar(&flagDebugPort, "debug-port", 0, "Loopback port serving GET /debug/stats (0 disables)")
	cmd.Flags().DurationVar(&flagRequestTimeout, "request-timeout", 30*time.Second, "Per-request deadline")
	cmd.Flags().DurationVar(&flagHeartbeatInt, "heartbeat-interval", 15*time.Second, "Ping cadence")
	cmd.Flags().DurationVar(&flagHeartbeatTimeout, "heartbeat-timeout", 45*time.Second, "Dead-peer threshold")
	cmd.MarkFlagRequired("relay-host")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("local-port")
	return cmd
}

func newLogger() *slog.Logger {
	if flagJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func runForwarder(ctx context.Context) error {
	logger := newLogger()
	metrics := observability.NewRelayMetrics()

	fwd, err := forwarder.New(forwarder.Config{
		RelayHost:         flagRelayHost,
		RelayControlPort:  flagRelayControlPort,
		Token:             flagToken,
		LocalPort:         flagLocalPort,
		RequestTimeout:    flagRequestTimeout,
		HeartbeatInterval: flagHeartbeatInt,
		HeartbeatTimeout:  flagHeartbeatTimeout,
	}, metrics, logger)
	if err != nil {
		return fmt.Errorf("tunnelclient: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if flagDebugPort > 0 {
		go serveDebugStats(runCtx, logger, fwd, flagDebugPort)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fwd.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("tunnelclient: received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("tunnelclient: forwarder exited: %w", err)
		}
	case <-ctx.Done():
	}

	fwd.Stop()
	cancel()
	<-errCh
	logger.Info("tunnelclient: shutdown complete", "stats", fwd.Stats())
	return nil
}

// serveDebugStats exposes GET /debug/stats on loopback, the operational
// supplement described by SPEC_FULL.md (disabled by default; spec.md's
// §4.2 stats() call is otherwise in-process only).
func serveDebugStats(ctx context.Context, logger *slog.Logger, fwd *forwarder.Forwarder, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fwd.Stats())
	})

	srv := &http.Server{Addr: net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("tunnelclient: debug stats server error", "err", err)
	}
}
