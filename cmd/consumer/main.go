// Consumer is a standalone SDC consumer process: it probes for providers
// over WS-Discovery and bootstraps an MDIB mirror. It does not create a
// subscription.
//
// Usage:
//
//	go run ./cmd/consumer -adapter eth0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/consumer/report"
	"github.com/sdcgo/sdc11073/discovery"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
)

func main() {
	adapter := flag.String("adapter", "", "network adapter to bind WS-Discovery to (required)")
	flag.Parse()

	logger := logging.Std()
	if *adapter == "" {
		fmt.Println("-adapter is required")
		os.Exit(2)
	}

	discCfg := *config.DefaultDiscoveryConfig()
	discCfg.AdapterName = *adapter
	node, err := discovery.New(discCfg, "urn:uuid:consumer-"+time.Now().UTC().Format("20060102150405"), nil, nil, nil, logger)
	if err != nil {
		logger.Error("discovery_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		logger.Error("discovery_start_failed", "error", err)
		os.Exit(1)
	}

	logger.Info("sdc_consumer_probing")
	matches, err := node.Probe(ctx, []string{"dpws:Device"}, nil)
	if err != nil {
		logger.Error("probe_failed", "error", err)
	}
	logger.Info("sdc_consumer_probe_complete", "matches", len(matches))

	store := mdib.NewStore("")
	processor := report.NewProcessor(*config.DefaultConsumerConfig(), store, func(ctx context.Context) (*report.Bootstrap, error) {
		// A full implementation issues GetMdib against the matched
		// provider's XAddrs over package soap; wiring that transport is
		// outside what a discovery-only CLI demonstrates here.
		return &report.Bootstrap{SequenceID: "unbootstrapped"}, nil
	}, logger)
	if err := processor.Start(ctx); err != nil {
		logger.Error("bootstrap_failed", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("sdc_consumer_ready")
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	node.Stop(context.Background())
	logger.Info("sdc_consumer_stopped")
}
