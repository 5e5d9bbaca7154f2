package emulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustResolve(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	return a
}

func newTestEmulator(t *testing.T, probs Probabilities) (*Emulator, *net.UDPConn, *net.UDPConn) {
	t.Helper()
	listenA := mustResolve(t, "127.0.0.1:0")
	listenB := mustResolve(t, "127.0.0.1:0")

	serverConn, err := net.ListenUDP("udp", mustResolve(t, "127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { serverConn.Close() })

	em, err := New(listenA, listenB, serverConn.LocalAddr().(*net.UDPAddr), probs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { em.Close() })

	clientConn, err := net.DialUDP("udp", nil, em.sockA.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return em, clientConn, serverConn
}

func TestForwardsCleanDatagramAToServer(t *testing.T) {
	em, client, server := newTestEmulator(t, Probabilities{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestAlwaysLossDropsEverything(t *testing.T) {
	em, client, server := newTestEmulator(t, Probabilities{Loss: 1.0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	_, err := client.Write([]byte("should not arrive"))
	require.NoError(t, err)

	server.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = server.Read(buf)
	assert.Error(t, err, "expected read timeout, datagram should have been dropped")
}

func TestAlwaysCorruptFlipsOneByte(t *testing.T) {
	em, client, server := newTestEmulator(t, Probabilities{Corrupt: 1.0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	original := []byte("abcdefgh")
	_, err := client.Write(original)
	require.NoError(t, err)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(original), n)
	assert.NotEqual(t, original, buf[:n])

	diffs := 0
	for i := range original {
		if original[i] != buf[i] {
			diffs++
		}
	}
	assert.Equal(t, 1, diffs, "corrupt should flip exactly one byte")
}

func TestAlwaysDuplicateSendsTwoCopies(t *testing.T) {
	em, client, server := newTestEmulator(t, Probabilities{Duplicate: 1.0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	_, err := client.Write([]byte("dup me"))
	require.NoError(t, err)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n1, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dup me", string(buf[:n1]))

	n2, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dup me", string(buf[:n2]))
}

func TestReorderDelaysDeliveryPastImmediateWindow(t *testing.T) {
	em, client, server := newTestEmulator(t, Probabilities{Reorder: 1.0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	start := time.Now()
	_, err := client.Write([]byte("delayed"))
	require.NoError(t, err)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "delayed", string(buf[:n]))
	assert.GreaterOrEqual(t, time.Since(start), reorderDelayMin)
}

func TestServerToAWithoutPriorClientIsDropped(t *testing.T) {
	em, _, server := newTestEmulator(t, Probabilities{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go em.Run(ctx)

	// Nothing has been received from A yet, so lastClient is nil; the
	// emulator must silently discard this reply rather than erroring.
	_, err := server.WriteToUDP([]byte("stray"), em.sockB.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
}
