package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rdtnet-go/internal/emulator"
	"rdtnet-go/pkg/logger"
)

const version = "1.0.0"

type config struct {
	listenA string
	listenB string
	server  string
	loss    float64
	corrupt float64
	reorder float64
	dup     float64
}

func main() {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "rdtemulator",
		Short: "Network impairment emulator: loss, corruption, duplication, reordering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.listenA, "listen-a", "0.0.0.0:13000", "client-facing UDP address")
	flags.StringVar(&cfg.listenB, "listen-b", "0.0.0.0:13001", "server-facing UDP address")
	flags.StringVar(&cfg.server, "server", "127.0.0.1:12000", "upstream server address")
	flags.Float64Var(&cfg.loss, "loss", 0, "probability of dropping a datagram")
	flags.Float64Var(&cfg.corrupt, "corrupt", 0, "probability of flipping one byte")
	flags.Float64Var(&cfg.reorder, "reorder", 0, "probability of delaying a datagram")
	flags.Float64Var(&cfg.dup, "dup", 0, "probability of duplicating a datagram")

	if err := root.Execute(); err != nil {
		logger.Fatal("rdtemulator: %v", err)
	}
}

func run(cfg *config) error {
	logger.Banner("RDT Impairment Emulator", version)

	listenA, err := net.ResolveUDPAddr("udp", cfg.listenA)
	if err != nil {
		return err
	}
	listenB, err := net.ResolveUDPAddr("udp", cfg.listenB)
	if err != nil {
		return err
	}
	serverAddr, err := net.ResolveUDPAddr("udp", cfg.server)
	if err != nil {
		return err
	}

	probs := emulator.Probabilities{
		Loss:      cfg.loss,
		Corrupt:   cfg.corrupt,
		Duplicate: cfg.dup,
		Reorder:   cfg.reorder,
	}
	em, err := emulator.New(listenA, listenB, serverAddr, probs, nil)
	if err != nil {
		return err
	}
	defer em.Close()

	logger.Success("A=%s B=%s server=%s", listenA, listenB, serverAddr)
	logger.Info("loss=%.2f corrupt=%.2f reorder=%.2f dup=%.2f", cfg.loss, cfg.corrupt, cfg.reorder, cfg.dup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- em.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Warn("rdtemulator: received signal %v, shutting down", sig)
		cancel()
		logger.Success("rdtemulator: stopped")
		return nil
	}
}
