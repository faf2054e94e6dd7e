// Command replogd runs one replica of a quorum-replicated log as a
// standalone daemon: a Replica actor fronted by a real TCP group.Server,
// reachable by any peer in its --peers set, opened through the replog
// façade. The daemon exposes no client append or read endpoint of its
// own; peers' coordinators and readers reach the replica through the
// group server. Configuration is flags bound through Viper
// so every flag also has a REPLOGD_-prefixed environment equivalent.
//
// Example — 3-node cluster:
//
//	replogd serve --id a --listen :7000 --peers b=localhost:7001,c=localhost:7002
//	replogd serve --id b --listen :7001 --peers a=localhost:7000,c=localhost:7002
//	replogd serve --id c --listen :7002 --peers a=localhost:7000,b=localhost:7001
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quorumlog/replog"
	"github.com/quorumlog/replog/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "replogd",
		Short: "Run one replica of a quorum-replicated append-only log",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("replogd")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the replica daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return runServe(v)
		},
	}

	flags := cmd.Flags()
	flags.String("id", "", "this replica's id (required)")
	flags.String("listen", ":7000", "address this replica's group server listens on")
	flags.String("peers", "", "comma-separated id=addr list of other replicas")
	flags.String("data-dir", "", "directory for the on-disk log segment (empty selects in-memory storage)")
	flags.String("registry", "in_memory", "membership registry backend (only in_memory is supported)")
	flags.Bool("registry-strict", false, "rejected at startup when set: no durable registry backend is built in")
	flags.Duration("catchup-interval", 2*time.Second, "background catch-up poll interval")
	flags.String("metrics-addr", "", "address to serve /metrics on (empty disables metrics)")
	flags.Duration("write-timeout", 10*time.Second, "not read by serve: the daemon opens no Writer of its own")

	return cmd
}

func runServe(v *viper.Viper) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "replogd").Logger()

	selfID := v.GetString("id")
	if selfID == "" {
		return fmt.Errorf("replogd: --id is required")
	}

	if v.GetBool("registry-strict") {
		return fmt.Errorf("replogd: --registry-strict is set but no durable registry backend is built into this daemon")
	}
	if reg := v.GetString("registry"); reg != "in_memory" {
		return fmt.Errorf("replogd: unsupported --registry %q, only \"in_memory\" is built in", reg)
	}

	peers, err := parsePeers(v.GetString("peers"))
	if err != nil {
		return err
	}

	var reg *metrics.Registry
	if addr := v.GetString("metrics-addr"); addr != "" {
		reg = metrics.NewRegistry(prometheus.DefaultRegisterer)
		go serveMetrics(addr, log)
	}

	lg, err := replog.Open(replog.Config{
		SelfID:        selfID,
		Peers:         peers,
		StoragePath:   v.GetString("data-dir"),
		ListenAddr:    v.GetString("listen"),
		Log:           log,
		CatchupPeriod: v.GetDuration("catchup-interval"),
		Metrics:       reg,
	})
	if err != nil {
		return fmt.Errorf("replogd: open log: %w", err)
	}
	defer lg.Close()

	log.Info().Str("id", selfID).Str("listen", v.GetString("listen")).
		Int("peers", len(peers)).Msg("replica started")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	return nil
}

func parsePeers(raw string) ([]replog.PeerAddr, error) {
	if raw == "" {
		return nil, nil
	}
	entries := strings.Split(raw, ",")
	peers := make([]replog.PeerAddr, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("replogd: invalid --peers entry %q, want id=host:port", entry)
		}
		peers = append(peers, replog.PeerAddr{ID: parts[0], Addr: parts[1]})
	}
	return peers, nil
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("serving /metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
