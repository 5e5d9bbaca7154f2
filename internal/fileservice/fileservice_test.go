package fileservice

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rdtnet-go/internal/rdt"
	"rdtnet-go/pkg/events"
)

func TestPeerStateAccumulatesAndFinishesPut(t *testing.T) {
	st := newPeerState()
	st.startPut("report.txt")
	st.onFileBytes([]byte("hello "))
	st.onFileBytes([]byte("world"))

	name, content := st.finishPut()
	assert.Equal(t, "report.txt", name)
	assert.Equal(t, []byte("hello world"), content)
	assert.Equal(t, modeCommand, st.mode)
	assert.Empty(t, st.filename)
}

func TestPeerStateDefaultsFilenameWhenMissing(t *testing.T) {
	st := newPeerState()
	st.startPut("")
	st.onFileBytes([]byte("data"))

	name, content := st.finishPut()
	assert.Equal(t, "upload.bin", name)
	assert.Equal(t, []byte("data"), content)
}

func TestPeerStateIgnoresEmptyFileBytes(t *testing.T) {
	st := newPeerState()
	st.startPut("x.bin")
	before := st.lastDataAt
	time.Sleep(time.Millisecond)
	st.onFileBytes(nil)
	assert.Equal(t, before, st.lastDataAt, "an empty chunk must not refresh the idle clock")
}

func fastTestConfig() rdt.Config {
	return rdt.Config{Window: rdt.DefaultWindow, Timeout: 60 * time.Millisecond, SendGap: 5 * time.Millisecond}
}

func startTestServer(t *testing.T, dir string) (*Server, *net.UDPConn) {
	t.Helper()
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { serverConn.Close() })

	srv := NewServer(serverConn, fastTestConfig(), dir, events.NewBus(), nil)
	go srv.Run()
	t.Cleanup(srv.Stop)
	return srv, serverConn
}

func newTestClient(t *testing.T, serverAddr *net.UDPAddr) *rdt.Session {
	t.Helper()
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	sess := rdt.NewSession(serverAddr, func(b []byte) error {
		_, err := clientConn.WriteToUDP(b, serverAddr)
		return err
	}, fastTestConfig(), nil)
	t.Cleanup(sess.Stop)

	go func() {
		buf := make([]byte, 65535)
		for {
			clientConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, _, err := clientConn.ReadFromUDP(buf)
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
	}()
	return sess
}

func pollLine(t *testing.T, sess *rdt.Session, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var acc []byte
	for time.Now().Before(deadline) {
		acc = append(acc, sess.RecvAvailable()...)
		if len(acc) > 0 {
			return string(acc)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a reply")
	return ""
}

func TestServerEchoesUnknownCommand(t *testing.T) {
	dir := t.TempDir()
	_, serverConn := startTestServer(t, dir)
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	require.NoError(t, client.Send(context.Background(), []byte("hello there\n")))
	got := pollLine(t, client, 3*time.Second)
	assert.Equal(t, "OK: ECHO: hello there", got)
}

func TestServerGetMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	_, serverConn := startTestServer(t, dir)
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	require.NoError(t, client.Send(context.Background(), []byte("GET nope.txt\n")))
	got := pollLine(t, client, 3*time.Second)
	assert.Equal(t, "ERROR: File nope.txt not found", got)
}

func TestServerGetReturnsFileContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hi from disk"), 0o644))
	_, serverConn := startTestServer(t, dir)
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	require.NoError(t, client.Send(context.Background(), []byte("GET greeting.txt\n")))
	got := pollLine(t, client, 3*time.Second)
	assert.Equal(t, "hi from disk", got)
}

func TestServerPutStoresFileAfterIdle(t *testing.T) {
	dir := t.TempDir()
	srv, serverConn := startTestServer(t, dir)
	_ = srv
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	require.NoError(t, client.Send(context.Background(), []byte("PUT upload.txt\n")))
	require.NoError(t, client.Send(context.Background(), []byte("file payload bytes")))

	got := pollLine(t, client, PutIdleTimeout+3*time.Second)
	assert.Contains(t, got, "OK: Stored upload.txt")

	stored, err := os.ReadFile(filepath.Join(dir, "upload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file payload bytes", string(stored))
}

func TestServerPutHandlesHeaderAndPayloadInSameBatch(t *testing.T) {
	dir := t.TempDir()
	_, serverConn := startTestServer(t, dir)
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	// One Send call: the PUT header and the file payload are chunked
	// and gapped by the session, but the fast test config's short
	// SendGap against the slower applicationLoop ticker means both
	// can easily land in the same RecvAvailable() batch server-side.
	require.NoError(t, client.Send(context.Background(), []byte("PUT combo.txt\nhello-from-one-batch")))

	got := pollLine(t, client, PutIdleTimeout+3*time.Second)
	assert.Contains(t, got, "OK: Stored combo.txt")

	stored, err := os.ReadFile(filepath.Join(dir, "combo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello-from-one-batch", string(stored))
}

func TestServerPutSanitizesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	_, serverConn := startTestServer(t, dir)
	client := newTestClient(t, serverConn.LocalAddr().(*net.UDPAddr))

	require.NoError(t, client.Send(context.Background(), []byte("PUT ../../evil.txt\n")))
	require.NoError(t, client.Send(context.Background(), []byte("payload")))

	got := pollLine(t, client, PutIdleTimeout+3*time.Second)
	assert.Contains(t, got, "OK: Stored evil.txt")

	_, err := os.Stat(filepath.Join(dir, "evil.txt"))
	assert.NoError(t, err)
}
