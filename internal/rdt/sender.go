package rdt

import (
	"context"
	"math/rand"
	"time"

	"rdtnet-go/internal/wire"
	"rdtnet-go/pkg/metrics"
)

// errStopped is returned by Send once the session has been stopped.
var errStopped = &stoppedError{}

type stoppedError struct{}

func (*stoppedError) Error() string { return "rdt: session stopped" }

// Send reliably delivers data to the peer: chunk at MaxPayload, wait
// for window space, assign a sequence number, frame and record the
// in-flight entry, transmit, then wait the mandatory inter-chunk gap before
// the next chunk. The gap is enforced through a rate limiter rather
// than a bare sleep so Stop can unblock a caller parked on it
// mid-transfer.
func (s *Session) Send(ctx context.Context, data []byte) error {
	gapCtx := mergedContext(ctx, s.ctx)
	defer gapCtx.cancel()

	for off := 0; off < len(data); off += wire.MaxPayload {
		end := off + wire.MaxPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		if err := s.waitForWindow(ctx); err != nil {
			return err
		}

		_, buf, err := s.frameNextChunk(chunk)
		if err != nil {
			return err
		}
		s.sendFrame(buf)
		metrics.PacketsSent.Inc()

		if err := s.limiter.Wait(gapCtx.ctx); err != nil {
			if s.isStopped() {
				return errStopped
			}
			return err
		}
	}
	return nil
}

// waitForWindow blocks until |sent| < window, polling at a short
// interval to avoid busy-spinning.
func (s *Session) waitForWindow(ctx context.Context) error {
	ticker := time.NewTicker(windowPollInterval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		full := len(s.sent) >= s.cfg.Window
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return errStopped
		}
		if !full {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errStopped
		}
	}
}

// frameNextChunk allocates the next sequence number, encodes the DATA
// packet, and records it as in-flight, all under the session's critical
// section, returning the encoded bytes for the caller to transmit
// outside the lock.
func (s *Session) frameNextChunk(chunk []byte) (uint32, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	buf, err := wire.Encode(seq, false, chunk)
	if err != nil {
		return 0, nil, err
	}
	s.nextSeq++
	s.sent[seq] = &inflightRecord{bytes: buf, lastSent: time.Now()}
	metrics.InflightPackets.Set(float64(len(s.sent)))
	return seq, buf, nil
}

// onAck removes seq from the in-flight set. A seq not present in sent
// is a duplicate or stray ACK and is ignored.
func (s *Session) onAck(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[seq]; !ok {
		return
	}
	delete(s.sent, seq)
	s.acked[seq] = struct{}{}
	metrics.InflightPackets.Set(float64(len(s.sent)))
	metrics.AcksReceived.Inc()
}

// retransmitLoop wakes on a fixed cadence and retransmits any in-flight
// packet whose timeout has elapsed.
func (s *Session) retransmitLoop() {
	defer close(s.done)
	ticker := time.NewTicker(retxTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweepRetransmits(now)
		}
	}
}

// sweepRetransmits scans sent under the lock to find expired entries,
// then sends the actual retransmissions outside the lock so a slow
// socket write doesn't stall other tasks.
func (s *Session) sweepRetransmits(now time.Time) {
	var due [][]byte

	s.mu.Lock()
	for _, rec := range s.sent {
		deadline := s.cfg.Timeout
		if s.cfg.Jitter > 0 {
			deadline += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
		}
		if now.Sub(rec.lastSent) >= deadline {
			rec.lastSent = now
			due = append(due, rec.bytes)
		}
	}
	s.mu.Unlock()

	for _, buf := range due {
		s.sendFrame(buf)
		metrics.PacketsRetransmitted.Inc()
	}
}

// mergedCtx is a context canceled when either of two parents is done. One
// fan-in goroutine is spawned per Send call (not per chunk) and exits as
// soon as either parent finishes.
type mergedCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func mergedContext(a, b context.Context) mergedCtx {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return mergedCtx{ctx: ctx, cancel: cancel}
}
