// Package emulator implements the bidirectional UDP impairment relay: a
// client-facing socket and a server-facing socket, with a stochastic
// loss/corrupt/duplicate/reorder pipeline applied to every forwarded
// datagram in that fixed order.
package emulator

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rdtnet-go/internal/platform"
	"rdtnet-go/pkg/metrics"
)

const (
	bufSize    = 65535
	pollPeriod = 100 * time.Millisecond

	reorderDelayMin = 50 * time.Millisecond
	reorderDelayMax = 300 * time.Millisecond
)

// direction labels used for log fields and metric label values.
const (
	dirAToServer = "a_to_server"
	dirServerToA = "server_to_a"
)

// Probabilities bundles the four independent impairment trial rates.
type Probabilities struct {
	Loss     float64
	Corrupt  float64
	Duplicate float64
	Reorder  float64
}

// pending is the single-slot delayed-release record held by the
// reordering stage.
type pending struct {
	data        []byte
	dst         *net.UDPConn
	addr        *net.UDPAddr
	direction   string
	releaseTime time.Time
}

// Emulator owns both relay sockets and the process-lifetime impairment
// state (last observed client address, the single reorder slot).
type Emulator struct {
	sockA      *net.UDPConn
	sockB      *net.UDPConn
	serverAddr *net.UDPAddr
	probs      Probabilities
	log        *logrus.Entry
	rng        *rand.Rand

	mu          sync.Mutex
	lastClient  *net.UDPAddr
	reorderSlot *pending
}

// New binds both relay sockets and returns an Emulator ready to Run.
func New(listenA, listenB, serverAddr *net.UDPAddr, probs Probabilities, log *logrus.Entry) (*Emulator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sockA, err := net.ListenUDP("udp", listenA)
	if err != nil {
		return nil, errors.Wrap(err, "emulator: bind listen-a")
	}
	if err := platform.SuppressConnReset(sockA); err != nil {
		log.WithError(err).Debug("emulator: could not suppress connreset on sock_a")
	}

	sockB, err := net.ListenUDP("udp", listenB)
	if err != nil {
		sockA.Close()
		return nil, errors.Wrap(err, "emulator: bind listen-b")
	}
	if err := platform.SuppressConnReset(sockB); err != nil {
		log.WithError(err).Debug("emulator: could not suppress connreset on sock_b")
	}

	return &Emulator{
		sockA:      sockA,
		sockB:      sockB,
		serverAddr: serverAddr,
		probs:      probs,
		log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Close releases both relay sockets.
func (e *Emulator) Close() error {
	errA := e.sockA.Close()
	errB := e.sockB.Close()
	if errA != nil {
		return errA
	}
	return errB
}

// Run drives the relay loop until ctx is canceled. It polls both sockets
// with a read deadline so shutdown is observed promptly, releasing any
// due reorder-slot packet at the start of each polling pass, matching the
// reference select()-based loop's ordering.
func (e *Emulator) Run(ctx context.Context) error {
	buf := make([]byte, bufSize)

	for {
		select {
		case <-ctx.Done():
			e.discardReorderSlot()
			return nil
		default:
		}

		e.releaseDueReorder()

		e.sockA.SetReadDeadline(time.Now().Add(pollPeriod))
		if n, src, err := e.sockA.ReadFromUDP(buf); err == nil {
			e.handleDatagram(append([]byte(nil), buf[:n]...), src, true)
		} else if !isTimeout(err) {
			e.log.WithError(err).Debug("emulator: sock_a read error")
		}

		// sock_a already spent up to pollPeriod waiting; give sock_b only
		// a brief poll so one loop iteration costs roughly pollPeriod
		// total, not 2x, while still checking both sockets every pass.
		e.sockB.SetReadDeadline(time.Now().Add(time.Millisecond))
		if n, src, err := e.sockB.ReadFromUDP(buf); err == nil {
			e.handleDatagram(append([]byte(nil), buf[:n]...), src, false)
		} else if !isTimeout(err) {
			e.log.WithError(err).Debug("emulator: sock_b read error")
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// handleDatagram routes one inbound datagram to its destination and
// runs it through the impairment pipeline, per the fixed loss, corrupt,
// duplicate, reorder order.
func (e *Emulator) handleDatagram(data []byte, src *net.UDPAddr, fromA bool) {
	var dstConn *net.UDPConn
	var dstAddr *net.UDPAddr
	var direction string

	if fromA {
		e.mu.Lock()
		e.lastClient = src
		e.mu.Unlock()
		dstConn, dstAddr, direction = e.sockB, e.serverAddr, dirAToServer
	} else {
		e.mu.Lock()
		client := e.lastClient
		e.mu.Unlock()
		if client == nil {
			return
		}
		dstConn, dstAddr, direction = e.sockA, client, dirServerToA
	}

	if e.rng.Float64() < e.probs.Loss {
		metrics.EmulatorDropped.WithLabelValues(direction).Inc()
		return
	}

	if len(data) > 0 && e.rng.Float64() < e.probs.Corrupt {
		i := e.rng.Intn(len(data))
		data[i] ^= 0xFF
		metrics.EmulatorCorrupted.WithLabelValues(direction).Inc()
	}

	if e.rng.Float64() < e.probs.Duplicate {
		e.forward(dstConn, dstAddr, data)
		metrics.EmulatorDuplicated.WithLabelValues(direction).Inc()
	}

	if e.tryHoldForReorder(data, dstConn, dstAddr, direction) {
		metrics.EmulatorReordered.WithLabelValues(direction).Inc()
		return
	}

	e.forward(dstConn, dstAddr, data)
}

// tryHoldForReorder installs data into the reorder slot if it is empty
// and the reorder trial succeeds. Returns true if the datagram was
// captured (and must NOT also be forwarded immediately by the caller).
func (e *Emulator) tryHoldForReorder(data []byte, dst *net.UDPConn, addr *net.UDPAddr, direction string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reorderSlot != nil {
		return false
	}
	if e.rng.Float64() >= e.probs.Reorder {
		return false
	}
	delay := reorderDelayMin + time.Duration(e.rng.Float64()*float64(reorderDelayMax-reorderDelayMin))
	e.reorderSlot = &pending{
		data:        data,
		dst:         dst,
		addr:        addr,
		direction:   direction,
		releaseTime: time.Now().Add(delay),
	}
	return true
}

// releaseDueReorder forwards the held packet once its release time has
// passed, freeing the slot for a future hold.
func (e *Emulator) releaseDueReorder() {
	e.mu.Lock()
	slot := e.reorderSlot
	if slot == nil || time.Now().Before(slot.releaseTime) {
		e.mu.Unlock()
		return
	}
	e.reorderSlot = nil
	e.mu.Unlock()

	e.forward(slot.dst, slot.addr, slot.data)
}

func (e *Emulator) discardReorderSlot() {
	e.mu.Lock()
	e.reorderSlot = nil
	e.mu.Unlock()
}

func (e *Emulator) forward(conn *net.UDPConn, addr *net.UDPAddr, data []byte) {
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		e.log.WithError(err).Debug("emulator: forward send error")
	}
}
