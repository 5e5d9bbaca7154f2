package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rdtnet-go/internal/fileservice"
	"rdtnet-go/internal/platform"
	"rdtnet-go/internal/rdt"
	"rdtnet-go/pkg/events"
	"rdtnet-go/pkg/logger"
	"rdtnet-go/pkg/metrics"
)

const version = "1.0.0"

type config struct {
	listen      string
	window      int
	timeout     time.Duration
	metricsAddr string
	dir         string
}

func main() {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "rdtserver",
		Short: "Reliable-UDP file-transfer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.listen, "listen", "0.0.0.0:12000", "UDP address to bind")
	flags.IntVar(&cfg.window, "window", rdt.DefaultWindow, "sliding window size")
	flags.DurationVar(&cfg.timeout, "timeout", rdt.DefaultTimeout, "per-packet retransmission timeout")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")
	flags.StringVar(&cfg.dir, "dir", ".", "working directory for GET/PUT file storage")

	if err := root.Execute(); err != nil {
		logger.Fatal("rdtserver: %v", err)
	}
}

func run(cfg *config) error {
	logger.Banner("RDT File Server", version)

	addr, err := net.ResolveUDPAddr("udp", cfg.listen)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := platform.SuppressConnReset(conn); err != nil {
		logger.Warn("rdtserver: could not suppress connreset: %v", err)
	}

	logger.Success("Listening on %s", conn.LocalAddr())

	bus := events.NewBus()
	log := logrus.NewEntry(logrus.StandardLogger())
	bus.Subscribe(events.PeerConnected, func(ev events.Event) {
		log.WithField("peer", ev.Addr.String()).Info("peer connected")
	})
	bus.Subscribe(events.TransferComplete, func(ev events.Event) {
		log.WithField("peer", ev.Addr.String()).WithField("file", ev.Detail).Info("transfer complete")
	})

	if cfg.metricsAddr != "" {
		startMetricsServer(cfg.metricsAddr)
	}

	sessCfg := rdt.Config{Window: cfg.window, Timeout: cfg.timeout}
	srv := fileservice.NewServer(conn, sessCfg, cfg.dir, bus, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Warn("rdtserver: received signal %v, shutting down", sig)
		srv.Stop()
		logger.Success("rdtserver: stopped")
		return nil
	}
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("rdtserver: metrics server stopped: %v", err)
		}
	}()
	logger.Info("rdtserver: metrics on %s/metrics", addr)
}
