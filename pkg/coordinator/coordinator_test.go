package coordinator

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAssignmentPartitionsExample(t *testing.T) {
	// G=3, B=2: a-i -> group 0, j-r -> group 1, s-z -> group 2, per
	// spec.md's worked example.
	a, err := ComputeAssignment(3, 2, "127.0.0.1")
	require.NoError(t, err)

	for _, l := range "abcdefghi" {
		assert.Equal(t, 0, a.LetterToGroup[byte(l)], "letter %c", l)
	}
	for _, l := range "jklmnopqr" {
		assert.Equal(t, 1, a.LetterToGroup[byte(l)], "letter %c", l)
	}
	for _, l := range "stuvwxyz" {
		assert.Equal(t, 2, a.LetterToGroup[byte(l)], "letter %c", l)
	}

	require.Len(t, a.Groups, 3)
	assert.Equal(t, "127.0.0.1:5000", a.Groups[0].Primary)
	assert.Equal(t, []string{"127.0.0.1:5010", "127.0.0.1:5020"}, a.Groups[0].Secondaries)
	assert.Equal(t, "127.0.0.1:5210", a.Groups[2].Secondaries[0])
}

func TestComputeAssignmentIsTotal(t *testing.T) {
	a, err := ComputeAssignment(4, 1, "10.0.0.1")
	require.NoError(t, err)
	for _, l := range alphabet {
		_, ok := a.LetterToGroup[byte(l)]
		assert.True(t, ok, "letter %c must be assigned", l)
	}
}

func TestComputeAssignmentRejectsNonPositiveArgs(t *testing.T) {
	_, err := ComputeAssignment(0, 1, "127.0.0.1")
	assert.Error(t, err)
	_, err = ComputeAssignment(1, 0, "127.0.0.1")
	assert.Error(t, err)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Addr:             "127.0.0.1:0",
		IPAddr:           "127.0.0.1",
		NumGroups:        3,
		NumBackups:       2,
		HeartbeatTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestLookupReturnsPrimaryWhenAlive(t *testing.T) {
	c := newTestCoordinator(t)
	addr, err := c.Lookup([]byte("apple"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", addr)
}

func TestLookupUnknownLetterIsNoAssignment(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Lookup([]byte("123"))
	assert.ErrorIs(t, err, kverr.ErrNoAssignment)
}

func TestLookupEmptyKeyIsNoAssignment(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Lookup(nil)
	assert.ErrorIs(t, err, kverr.ErrNoAssignment)
}

func TestLookupFallsBackToSecondaryWhenPrimaryDead(t *testing.T) {
	c := newTestCoordinator(t)
	time.Sleep(60 * time.Millisecond) // let the bootstrap heartbeat expire
	c.HandlePing("127.0.0.1:5010")    // revive only the first secondary

	addr, err := c.Lookup([]byte("apple"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5010", addr)
}

func TestLookupGroupUnavailableWhenNoReplicaAlive(t *testing.T) {
	c := newTestCoordinator(t)
	time.Sleep(60 * time.Millisecond)

	_, err := c.Lookup([]byte("apple"))
	assert.ErrorIs(t, err, kverr.ErrGroupUnavailable)
}

func TestListenAndServeClientLookup(t *testing.T) {
	c := newTestCoordinator(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ListenAndServe(ctx)
	waitForListener(t, c.addr)

	conn, err := net.Dial("tcp", c.addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("apple"))
	require.NoError(t, err)
	conn.(*net.TCPConn).CloseWrite()

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _ := conn.Read(buf)
	assert.Equal(t, "127.0.0.1:5000\r\n", string(buf[:n]))
}

func TestListenAndServePingRevivesNode(t *testing.T) {
	c := newTestCoordinator(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ListenAndServe(ctx)
	waitForListener(t, c.addr)

	time.Sleep(60 * time.Millisecond)

	conn, err := net.Dial("tcp", c.addr)
	require.NoError(t, err)
	_, localPort, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("PING " + localPort + "\r\n"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.isAlive("127.0.0.1:"+localPort))
}

func TestStorePersistsAndReloadsAssignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topo.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	a, err := ComputeAssignment(3, 2, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, store.SaveAssignment(a))
	require.NoError(t, store.Close())

	loaded, err := LoadAssignment(path)
	require.NoError(t, err)
	assert.Equal(t, a.LetterToGroup, loaded.LetterToGroup)
	require.Len(t, loaded.Groups, 3)
	assert.Equal(t, a.Groups[0], loaded.Groups[0])
	assert.Equal(t, a.Groups[2], loaded.Groups[2])
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 20*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}
