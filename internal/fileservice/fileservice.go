// Package fileservice is the thin application-layer collaborator that
// sits on top of an rdt.Session's byte stream: it parses newline
// terminated GET/PUT/echo commands and stores uploaded files to disk.
// None of this package's logic is part of the transport; it only
// consumes Session.Send / Session.RecvAvailable.
package fileservice

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rdtnet-go/internal/rdt"
	"rdtnet-go/pkg/events"
)

// PutIdleTimeout is how long the server waits without new file bytes
// before finalizing a PUT upload. There is no end-of-transfer marker on
// the wire, so idle detection is the only signal.
const PutIdleTimeout = 6 * time.Second

type mode int

const (
	modeCommand mode = iota
	modeReceiving
)

// PeerState is the per-remote-address application state: a command
// accumulator in modeCommand, or a raw file-byte accumulator in
// modeReceiving. It is distinct from rdt.Session, which is
// transport-only and has no notion of commands or files.
type PeerState struct {
	inbuf      []byte
	mode       mode
	filename   string
	fileBuf    []byte
	lastDataAt time.Time
}

func newPeerState() *PeerState {
	return &PeerState{}
}

func (p *PeerState) startPut(filename string) {
	p.mode = modeReceiving
	p.filename = filename
	p.fileBuf = p.fileBuf[:0]
	p.lastDataAt = time.Now()
}

func (p *PeerState) onFileBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	p.fileBuf = append(p.fileBuf, data...)
	p.lastDataAt = time.Now()
}

func (p *PeerState) finishPut() (name string, content []byte) {
	name = p.filename
	if name == "" {
		name = "upload.bin"
	}
	content = p.fileBuf
	p.mode = modeCommand
	p.filename = ""
	p.fileBuf = nil
	return name, content
}

// peer bundles a session with its application state and a private
// outbound queue. Replies are serialized through sendLoop so that two
// replies queued for the same peer within one sweep (e.g. a still
// streaming GET and a later ECHO) never call Session.Send
// concurrently: the byte stream has no message framing, so interleaved
// chunks from concurrent sends would be unrecoverable on the wire.
type peer struct {
	session *rdt.Session
	state   *PeerState
	outbox  chan []byte
}

// Server drives one shared UDP socket across many peer RDT sessions,
// dispatching each peer's delivered byte stream through the command
// parser below.
type Server struct {
	conn    *net.UDPConn
	cfg     rdt.Config
	dir     string
	bus     *events.Bus
	log     *logrus.Entry

	mu    sync.Mutex
	peers map[string]*peer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer wraps an already-bound UDP socket. dir is the working
// directory GET/PUT resolve filenames against.
func NewServer(conn *net.UDPConn, cfg rdt.Config, dir string, bus *events.Bus, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Server{
		conn:   conn,
		cfg:    cfg,
		dir:    dir,
		bus:    bus,
		log:    log,
		peers:  make(map[string]*peer),
		stopCh: make(chan struct{}),
	}
}

// Run listens for inbound datagrams and drives the per-peer idle/command
// loop until ctx-equivalent Stop is called.
func (s *Server) Run() error {
	s.wg.Add(1)
	go s.applicationLoop()

	buf := make([]byte, 65535)
	for {
		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				s.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.WithError(err).Debug("fileservice: read error")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.peerFor(addr).session.HandleRaw(data)
	}
}

// Stop signals the application loop, read loop, and every peer's send
// loop to exit, then tears down each peer's session and publishes
// SessionClosed for it.
func (s *Server) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.session.Stop()
		s.bus.Publish(events.Event{Type: events.SessionClosed, Addr: p.session.Peer})
	}
}

func (s *Server) peerFor(addr *net.UDPAddr) *peer {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[key]; ok {
		return p
	}

	transmit := func(b []byte) error {
		_, err := s.conn.WriteToUDP(b, addr)
		return err
	}
	sess := rdt.NewSession(addr, transmit, s.cfg, s.log)
	p := &peer{session: sess, state: newPeerState(), outbox: make(chan []byte, 32)}
	s.peers[key] = p
	s.wg.Add(1)
	go s.sendLoop(p)
	s.log.WithField("peer", key).Info("fileservice: new peer")
	s.bus.Publish(events.Event{Type: events.PeerConnected, Addr: addr})
	return p
}

// sendLoop serializes every outbound write for one peer through a
// single goroutine, so two replies queued in the same sweep (e.g. a
// still-streaming GET and a later ECHO) never call Session.Send
// concurrently and interleave chunks on the ordered byte stream.
func (s *Server) sendLoop(p *peer) {
	defer s.wg.Done()
	for {
		select {
		case data := <-p.outbox:
			if err := p.session.Send(context.Background(), data); err != nil {
				s.log.WithError(err).Debug("fileservice: send failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// applicationLoop is the ticker-driven sweep over every peer's delivered
// bytes.
func (s *Server) applicationLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepPeers()
		}
	}
}

func (s *Server) sweepPeers() {
	s.mu.Lock()
	snapshot := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		s.serviceOne(p)
	}
}

func (s *Server) serviceOne(p *peer) {
	st := p.state

	if st.mode == modeReceiving {
		st.onFileBytes(p.session.RecvAvailable())
		if time.Since(st.lastDataAt) >= PutIdleTimeout {
			name, content := st.finishPut()
			s.finalizePut(p, name, content)
		}
		return
	}

	app := p.session.RecvAvailable()
	if len(app) == 0 {
		return
	}
	st.inbuf = append(st.inbuf, app...)

	for st.mode == modeCommand {
		idx := bytes.IndexByte(st.inbuf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(st.inbuf[:idx]))
		rest := st.inbuf[idx+1:]
		s.handleCommand(p, line)
		if st.mode == modeReceiving {
			// The command just switched us into file-receiving mode;
			// anything already buffered behind its newline is file
			// payload, not a further command line, and must not wait
			// for the next RecvAvailable() poll to be counted.
			st.inbuf = nil
			st.onFileBytes(rest)
			return
		}
		st.inbuf = rest
	}
}

func (s *Server) handleCommand(p *peer, line string) {
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "GET "):
		name := strings.TrimSpace(line[4:])
		s.handleGet(p, name)
	case strings.HasPrefix(upper, "PUT "):
		name := strings.TrimSpace(line[4:])
		s.log.WithField("filename", name).Info("fileservice: expecting upload")
		p.state.startPut(name)
	default:
		s.reply(p, fmt.Sprintf("OK: ECHO: %s", line))
	}
}

func (s *Server) handleGet(p *peer, name string) {
	full := filepath.Join(s.dir, filepath.Base(name))
	content, err := os.ReadFile(full)
	if err != nil {
		s.reply(p, fmt.Sprintf("ERROR: File %s not found", name))
		return
	}
	s.log.WithField("filename", name).WithField("bytes", len(content)).Info("fileservice: sending file")
	s.send(p, content)
}

func (s *Server) finalizePut(p *peer, name string, content []byte) {
	safeName := filepath.Base(name)
	full := filepath.Join(s.dir, safeName)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		s.log.WithError(err).WithField("filename", safeName).Error("fileservice: failed to store upload")
		s.reply(p, fmt.Sprintf("ERROR: could not store %s", safeName))
		return
	}
	s.log.WithField("filename", safeName).WithField("bytes", len(content)).Info("fileservice: stored upload")
	s.reply(p, fmt.Sprintf("OK: Stored %s (%d bytes)", safeName, len(content)))
	s.bus.Publish(events.Event{Type: events.TransferComplete, Addr: p.session.Peer, Detail: safeName})
}

func (s *Server) reply(p *peer, text string) {
	s.send(p, []byte(text))
}

// send enqueues data on the peer's outbox, to be written by that
// peer's dedicated sendLoop goroutine. Queuing (rather than sending
// inline) keeps a multi-second transfer from stalling the application
// sweep loop's servicing of other peers, while still serializing every
// write for this one peer through a single goroutine.
func (s *Server) send(p *peer, data []byte) {
	select {
	case p.outbox <- data:
	case <-s.stopCh:
	}
}
