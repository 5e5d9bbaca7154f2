// Package rdt implements the Selective-Repeat reliable transport: a
// per-peer sender/receiver state machine layered on raw UDP datagrams.
// A Session owns no socket itself — callers supply a transmit function so
// one UDP socket can be shared across many peer sessions, matching the
// server's single-reader/many-sender model.
package rdt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rdtnet-go/internal/wire"
	"rdtnet-go/pkg/metrics"
)

// Tunable session parameters and their defaults.
const (
	DefaultWindow  = 8
	DefaultTimeout = 2 * time.Second
	SendGap        = 600 * time.Millisecond

	windowPollInterval = 5 * time.Millisecond
	retxTickInterval   = 10 * time.Millisecond
)

// Transmit sends one already-framed wire packet to the session's peer.
// Implementations must be safe for concurrent use: calls for other peers
// may share the same underlying socket, and a single session calls it
// from its Send caller, its retransmission task and its HandleRaw caller
// (for ACKs) without serializing them.
type Transmit func(b []byte) error

// inflightRecord is one entry of the sender's unacked-packet map.
type inflightRecord struct {
	bytes    []byte
	lastSent time.Time
}

// Config holds the per-session parameters a caller may override; zero
// values are replaced by defaults in NewSession.
type Config struct {
	Window  int
	Timeout time.Duration
	SendGap time.Duration
	// Jitter adds up to this much random delay to a retransmission
	// deadline, to desynchronize bursts of simultaneous timeouts.
	// Left at zero by default.
	Jitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SendGap <= 0 {
		c.SendGap = SendGap
	}
	return c
}

// Session is a single peer's Selective-Repeat state machine. The fields
// from nextSeq through appQueue, plus stopped, are guarded by mu: the
// critical section named by the concurrency model (next_seq, sent,
// acked, expected, recv_buf, app_queue).
type Session struct {
	Peer      *net.UDPAddr
	transmit  Transmit
	cfg       Config
	log       *logrus.Entry
	limiter   *rate.Limiter

	mu       sync.Mutex
	nextSeq  uint32
	sent     map[uint32]*inflightRecord
	acked    map[uint32]struct{}
	expected uint32
	recvBuf  map[uint32][]byte
	appQueue [][]byte

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	stopped  bool
}

// NewSession creates a session for peer, starting its background
// retransmission task. transmit is called for every DATA/ACK packet this
// session sends, outside the session's critical section.
func NewSession(peer *net.UDPAddr, transmit Transmit, cfg Config, log *logrus.Entry) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Peer:     peer,
		transmit: transmit,
		cfg:      cfg,
		log:      log.WithField("peer", peer.String()),
		limiter:  rate.NewLimiter(rate.Every(cfg.SendGap), 1),
		sent:     make(map[uint32]*inflightRecord),
		acked:    make(map[uint32]struct{}),
		recvBuf:  make(map[uint32][]byte),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Consume the limiter's initial burst token up front so the very
	// first chunk's post-send Wait still pays a full SendGap, per
	// §4.2: the gap applies at every chunk boundary, including the
	// first.
	s.limiter.Reserve()
	go s.retransmitLoop()
	return s
}

// Stop halts the retransmission task and marks the session closed. It
// blocks until that task has exited, so the shared socket may be
// released once Stop returns.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		close(s.stopCh)
	})
	<-s.done
}

// Done returns a channel closed once the retransmission task has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) sendFrame(buf []byte) {
	if err := s.transmit(buf); err != nil {
		if s.isStopped() {
			return
		}
		s.log.WithError(errors.Wrap(err, "rdt: transmit failed")).Debug("send error, will rely on retransmission")
	}
}

// HandleRaw dispatches one raw inbound datagram: decode, drop on
// checksum failure, then route ACK vs DATA.
func (s *Session) HandleRaw(buf []byte) {
	pkt, ok, err := wire.Decode(buf)
	if err != nil {
		s.log.WithError(err).Debug("rdt: dropping malformed datagram")
		return
	}
	if !ok {
		metrics.PacketsChecksumFailed.Inc()
		s.log.Debug("rdt: dropping datagram with invalid checksum")
		return
	}
	if pkt.ACK {
		s.onAck(pkt.Seq)
		return
	}
	s.onData(pkt.Seq, pkt.Payload)
}
