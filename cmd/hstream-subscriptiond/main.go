// Command hstream-subscriptiond runs the HStream Subscription Delivery
// Engine: it wires the Log Client Adapter, Metadata Adapter,
// Subscription Registry and the StreamingFetch transport together and
// serves them until signaled to stop, following the wiring shape of
// the teacher's root main.go/server.go.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hstreamdb/hstream/internal/auth"
	"github.com/hstreamdb/hstream/internal/config"
	"github.com/hstreamdb/hstream/internal/limits"
	"github.com/hstreamdb/hstream/internal/logging"
	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/metastore"
	"github.com/hstreamdb/hstream/internal/registry"
	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/transport"

	_ "go.uber.org/automaxprocs"
)

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	logClient := logstore.NewClient(splitBrokers(cfg.LogStoreBrokers), logger)

	metaStore, err := metastore.NewStore(metastore.Config{
		URL:             cfg.MetadataURL,
		Bucket:          cfg.MetadataBucket,
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: time.Second,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to metadata store")
	}

	reg := registry.New(metaStore, logClient, subscription.DispatchConfig{
		BatchSize: cfg.DispatchBatchSize,
		Tick:      cfg.DispatchTick,
	}, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	var currentSessions int64
	guard := limits.NewGuard(limits.GuardConfig{
		MaxSessions:        cfg.MaxSessions,
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		PerIPBurst:         10,
		PerIPRate:          1,
		PerIPTTL:           5 * time.Minute,
		GlobalBurst:        300,
		GlobalRate:         50,
	}, logger, &currentSessions)

	server := transport.New(cfg.Addr, reg, verifier, guard, &currentSessions, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("hstream-subscriptiond stopped")
}
