// Package metrics exposes Prometheus instrumentation for the RDT session
// and impairment emulator. Instrumentation is observation-only: nothing
// in internal/rdt or internal/emulator branches on a metric's value.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PacketsSent counts DATA packets transmitted by a session (first
	// send, not retransmissions).
	PacketsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_packets_sent_total",
		Help: "Total DATA packets transmitted (excludes retransmissions).",
	})
	// PacketsRetransmitted counts retransmissions fired by the retx loop.
	PacketsRetransmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_packets_retransmitted_total",
		Help: "Total DATA packet retransmissions.",
	})
	// AcksReceived counts ACKs the sender side has processed.
	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_acks_received_total",
		Help: "Total ACK packets processed by the sender state machine.",
	})
	// InflightPackets is the current size of the sender's unacked window.
	InflightPackets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rdt_inflight_packets",
		Help: "Current number of sent-but-unacked DATA packets.",
	})

	// AcksSent counts ACKs emitted by the receiver side.
	AcksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_acks_sent_total",
		Help: "Total ACK packets emitted by the receiver state machine.",
	})
	// PacketsDuplicate counts DATA packets recognized as duplicates.
	PacketsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_packets_duplicate_total",
		Help: "Total duplicate DATA packets observed (already delivered or already buffered).",
	})
	// PacketsChecksumFailed counts packets dropped for a bad CRC32.
	PacketsChecksumFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_packets_checksum_failed_total",
		Help: "Total packets dropped due to checksum mismatch.",
	})
	// PacketsDelivered counts payload chunks handed to the application.
	PacketsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdt_packets_delivered_total",
		Help: "Total DATA payload chunks delivered to the application in order.",
	})

	// EmulatorDropped counts datagrams dropped by the loss transform,
	// labeled by relay direction.
	EmulatorDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdt_emulator_dropped_total",
		Help: "Total datagrams dropped by the impairment emulator.",
	}, []string{"direction"})
	// EmulatorCorrupted counts datagrams bit-flipped by the corrupt transform.
	EmulatorCorrupted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdt_emulator_corrupted_total",
		Help: "Total datagrams corrupted by the impairment emulator.",
	}, []string{"direction"})
	// EmulatorDuplicated counts extra copies sent by the duplicate transform.
	EmulatorDuplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdt_emulator_duplicated_total",
		Help: "Total extra datagram copies sent by the impairment emulator.",
	}, []string{"direction"})
	// EmulatorReordered counts datagrams held in the reorder slot.
	EmulatorReordered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdt_emulator_reordered_total",
		Help: "Total datagrams delayed by the impairment emulator's reorder slot.",
	}, []string{"direction"})
)

// Registry is the collector set the metrics server exposes.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PacketsSent, PacketsRetransmitted, AcksReceived, InflightPackets,
		AcksSent, PacketsDuplicate, PacketsChecksumFailed, PacketsDelivered,
		EmulatorDropped, EmulatorCorrupted, EmulatorDuplicated, EmulatorReordered,
	)
}
