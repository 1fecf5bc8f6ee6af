package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rowkv/cluster/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTopologyPushParsesCoordinatorMessage(t *testing.T) {
	c := New(Config{})
	msg := "C:0:primary 5000, secondary1 5010, secondary2 5020\n1:primary 5100\r\n"
	require.NoError(t, c.HandleTopologyPush([]byte(msg)))

	addr, ok := c.addrOf("0_primary")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5000", addr)

	addr, ok = c.addrOf("1_primary")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5100", addr)
}

func TestHandleTopologyPushParsesLoadBalancerMessage(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("L:fe1 9000, fe2 9001\r\n")))

	addr, ok := c.addrOf("fe1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestReadyRequiresBothPushes(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Ready())
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary 5000\r\n")))
	assert.False(t, c.Ready())
	require.NoError(t, c.HandleTopologyPush([]byte("L:fe1 9000\r\n")))
	assert.True(t, c.Ready())
}

func TestHandleTopologyPushRejectsUnknownPrefix(t *testing.T) {
	c := New(Config{})
	err := c.HandleTopologyPush([]byte("X:garbage\r\n"))
	assert.Error(t, err)
}

// fakeStorageNode answers KILL/WAKE/GETA with canned wire replies so
// admin's round-trip logic can be tested without a real storagenode.
func fakeStorageNode(t *testing.T, reply func(payload []byte) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				payload, err := wire.ReadFrame(conn)
				if err != nil {
					return
				}
				wire.WriteFrame(conn, reply(payload))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestKillIssuesControlMessageAndRecordsAction(t *testing.T) {
	var gotPayload []byte
	addr := fakeStorageNode(t, func(payload []byte) []byte {
		gotPayload = payload
		return wire.OK(nil)
	})

	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary "+addr[len("127.0.0.1:"):]+"\r\n")))

	require.NoError(t, c.Kill(context.Background(), "0_primary"))
	assert.Equal(t, wire.BuildCommand("KILL"), gotPayload)

	actions := c.RecentActions()
	require.Len(t, actions, 1)
	assert.Equal(t, "KILL", actions[0].Kind)
	assert.Equal(t, "0_primary", actions[0].Name)
}

func TestGetAllRowsParsesRowList(t *testing.T) {
	addr := fakeStorageNode(t, func(payload []byte) []byte {
		return wire.OK(wire.JoinFields([]string{"apple", "banana"}))
	})

	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary "+addr[len("127.0.0.1:"):]+"\r\n")))

	rows, err := c.GetAllRows(context.Background(), "0_primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana"}, rows)
}

func TestGetValueReturnsRawBytes(t *testing.T) {
	addr := fakeStorageNode(t, func(payload []byte) []byte {
		return wire.OK([]byte("hello"))
	})

	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary "+addr[len("127.0.0.1:"):]+"\r\n")))

	v, err := c.GetValue(context.Background(), "0_primary", "row", "col")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}

func TestGetValueSurfacesErrorReply(t *testing.T) {
	addr := fakeStorageNode(t, func(payload []byte) []byte {
		return wire.ER("ROW_MISSING")
	})

	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary "+addr[len("127.0.0.1:"):]+"\r\n")))

	_, err := c.GetValue(context.Background(), "0_primary", "row", "col")
	assert.Error(t, err)
}

func TestStatusServerServesJSON(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.HandleTopologyPush([]byte("C:0:primary 5000\r\n")))
	require.NoError(t, c.HandleTopologyPush([]byte("L:fe1 9000\r\n")))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewStatusServer(c, addr)
	go s.ListenAndServe()
	t.Cleanup(func() { s.Close() })

	var resp *http.Response
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/status")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Ready)
	assert.Equal(t, "127.0.0.1:5000", body.KVSServers["0_primary"])
}
