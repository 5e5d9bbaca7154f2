package rdt

import (
	"rdtnet-go/internal/wire"
	"rdtnet-go/pkg/metrics"
)

// onData acknowledges first, even for duplicates, then filters,
// buffers, and drains in-order chunks into the application queue.
func (s *Session) onData(seq uint32, payload []byte) {
	s.ackSeq(seq)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.expected {
		metrics.PacketsDuplicate.Inc()
		return
	}
	if _, buffered := s.recvBuf[seq]; buffered {
		metrics.PacketsDuplicate.Inc()
		return
	}

	s.recvBuf[seq] = append([]byte(nil), payload...)

	for {
		chunk, ok := s.recvBuf[s.expected]
		if !ok {
			break
		}
		delete(s.recvBuf, s.expected)
		s.appQueue = append(s.appQueue, chunk)
		s.expected++
		metrics.PacketsDelivered.Inc()
	}
}

// ackSeq emits an ACK packet for seq immediately, outside the critical
// section held by the rest of onData, matching the requirement that a
// duplicate below expected is still ACKed to suppress peer retransmits.
func (s *Session) ackSeq(seq uint32) {
	buf, err := wire.Encode(seq, true, nil)
	if err != nil {
		// Encode only fails on a payload/flag combination that cannot
		// occur for an ACK we build ourselves.
		s.log.WithError(err).Error("rdt: failed to encode ACK, this is a bug")
		return
	}
	s.sendFrame(buf)
	metrics.AcksSent.Inc()
}

// RecvAvailable drains and concatenates all chunks currently queued for
// the application. Non-blocking; returns an empty (non-nil-length-0)
// slice if nothing is ready.
func (s *Session) RecvAvailable() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appQueue) == 0 {
		return []byte{}
	}
	total := 0
	for _, c := range s.appQueue {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.appQueue {
		out = append(out, c...)
	}
	s.appQueue = s.appQueue[:0]
	return out
}
