package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"rdtnet-go/internal/platform"
	"rdtnet-go/internal/rdt"
	"rdtnet-go/pkg/logger"
)

const (
	version      = "1.0.0"
	idleDeadline = 8 * time.Second
	idlePoll     = 200 * time.Millisecond
	putSettle    = 300 * time.Millisecond
)

type config struct {
	server   string
	emulator string
	window   int
	timeout  time.Duration
}

func main() {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "rdtclient",
		Short: "Reliable-UDP file-transfer client",
	}
	root.PersistentFlags().StringVar(&cfg.server, "server", "", "server host:port (for reference only, traffic goes through --emulator)")
	root.PersistentFlags().StringVar(&cfg.emulator, "emulator", "", "emulator host:port (the real UDP peer)")
	root.PersistentFlags().IntVar(&cfg.window, "window", rdt.DefaultWindow, "sliding window size")
	root.PersistentFlags().DurationVar(&cfg.timeout, "timeout", rdt.DefaultTimeout, "per-packet retransmission timeout")
	root.MarkPersistentFlagRequired("emulator")

	root.AddCommand(getCommand(cfg), putCommand(cfg))

	if err := root.Execute(); err != nil {
		logger.Fatal("rdtclient: %v", err)
	}
}

func getCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <filename>",
		Short: "Download a file from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cfg, args[0])
		},
	}
}

func putCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "put <filename>",
		Short: "Upload a local file to the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cfg, args[0])
		},
	}
}

// dial opens the local UDP socket and the session to the emulator, and
// starts the background datagram pump that feeds the session.
func dial(cfg *config) (*rdt.Session, *net.UDPConn, error) {
	emulatorAddr, err := net.ResolveUDPAddr("udp", cfg.emulator)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rdtclient: resolve emulator address")
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, nil, errors.Wrap(err, "rdtclient: bind local socket")
	}
	if err := platform.SuppressConnReset(conn); err != nil {
		logger.Warn("rdtclient: could not suppress connreset: %v", err)
	}

	sessCfg := rdt.Config{Window: cfg.window, Timeout: cfg.timeout}
	sess := rdt.NewSession(emulatorAddr, func(b []byte) error {
		_, err := conn.WriteToUDP(b, emulatorAddr)
		return err
	}, sessCfg, nil)

	go pump(sess, conn)
	return sess, conn, nil
}

func pump(sess *rdt.Session, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-sess.Done():
				return
			default:
				continue
			}
		}
		sess.HandleRaw(append([]byte(nil), buf[:n]...))
	}
}

// drainUntilIdle polls RecvAvailable until idleDeadline passes with no
// new bytes, since the wire protocol has no end-of-reply marker.
func drainUntilIdle(sess *rdt.Session) []byte {
	var out []byte
	idle := time.Duration(0)
	for idle < idleDeadline {
		time.Sleep(idlePoll)
		chunk := sess.RecvAvailable()
		if len(chunk) > 0 {
			out = append(out, chunk...)
			idle = 0
		} else {
			idle += idlePoll
		}
	}
	return out
}

func runGet(cfg *config, filename string) error {
	sess, conn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer shutdown(sess, conn)

	if err := sess.Send(context.Background(), []byte("GET "+filename+"\n")); err != nil {
		return errors.Wrap(err, "rdtclient: send GET")
	}

	data := drainUntilIdle(sess)
	switch {
	case bytes.HasPrefix(data, []byte("ERROR")):
		logger.Warn("%s", string(data))
	case len(data) > 0:
		out := "download_" + filepath.Base(filename)
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return errors.Wrapf(err, "rdtclient: write %s", out)
		}
		logger.Success("wrote %s (%d bytes)", out, len(data))
	default:
		logger.Warn("no data received")
	}
	return nil
}

func runPut(cfg *config, filename string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "rdtclient: local file %s not found", filename)
	}

	sess, conn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer shutdown(sess, conn)

	header := "PUT " + filepath.Base(filename) + "\n"
	if err := sess.Send(context.Background(), []byte(header)); err != nil {
		return errors.Wrap(err, "rdtclient: send PUT header")
	}
	time.Sleep(putSettle)

	if err := sess.Send(context.Background(), content); err != nil {
		return errors.Wrap(err, "rdtclient: send file contents")
	}

	reply := drainUntilIdle(sess)
	if len(reply) > 0 {
		logger.Success("%s", string(reply))
	} else {
		logger.Warn("no server response")
	}
	return nil
}

func shutdown(sess *rdt.Session, conn *net.UDPConn) {
	sess.Stop()
	conn.Close()
}
