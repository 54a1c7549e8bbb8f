// Provider is a standalone SDC provider process: it owns an MDIB, announces
// itself over WS-Discovery, registers its SOAP handlers on a dispatcher, and
// fans out reports to subscribers. It does not start an HTTP server for the
// dispatcher.
//
// Usage:
//
//	go run ./cmd/provider -adapter eth0 -epr urn:uuid:my-device
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/discovery"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/mdib"
	"github.com/sdcgo/sdc11073/provider"
	"github.com/sdcgo/sdc11073/roleprovider"
	"github.com/sdcgo/sdc11073/soap"
	"github.com/sdcgo/sdc11073/subscription"
)

func main() {
	adapter := flag.String("adapter", "", "network adapter to bind WS-Discovery to (required)")
	epr := flag.String("epr", "", "stable endpoint reference UUID for this device (required)")
	flag.Parse()

	logger := logging.Std()
	logger.Info("sdc_provider_starting", "adapter", *adapter, "epr", *epr)

	if *adapter == "" || *epr == "" {
		fmt.Println("both -adapter and -epr are required")
		os.Exit(2)
	}

	store := mdib.NewStore("seq-" + *epr)
	singletons := config.DefaultContextSingletons()
	mdibMgr := mdib.NewManager(store, logger, singletons.IsSingleton)

	dispatcher := soap.NewDispatcher(logger)
	tracker := soap.NewTracker()
	ops := roleprovider.NewRegistry(mdibMgr, tracker, logger)
	waveforms := roleprovider.NewWaveformPump(*config.DefaultWaveformConfig(), mdibMgr, logger)

	sender := provider.NewHTTPSender(nil, logger)
	subMgr := subscription.NewManager(*config.DefaultSubscriptionConfig(), mdibMgr, sender, logger)
	stopSweep := subMgr.StartSweeper()
	defer stopSweep()

	services := provider.NewServices(provider.Config{}, store, ops, subMgr, logger)
	if err := services.RegisterAll(dispatcher); err != nil {
		logger.Error("service_registration_failed", "error", err)
		os.Exit(1)
	}

	stopWaveform := waveforms.Start()
	defer stopWaveform()

	discCfg := *config.DefaultDiscoveryConfig()
	discCfg.AdapterName = *adapter
	node, err := discovery.New(discCfg, *epr, nil, []string{"dpws:Device"}, nil, logger)
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
	node.Announce(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("sdc_provider_ready")
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	node.Stop(context.Background())
	subMgr.Shutdown()
	logger.Info("sdc_provider_stopped")
}
