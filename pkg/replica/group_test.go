package replica

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rowkv/cluster/pkg/oplog"
	"github.com/rowkv/cluster/pkg/tablet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleTabletLookup answers every row from one tablet, standing in for
// a storage node that owns exactly one range in these tests.
type singleTabletLookup struct{ t *tablet.Tablet }

func (s singleTabletLookup) Lookup(row string) (*tablet.Tablet, bool) { return s.t, true }

// memTransport wires a primary directly to in-process secondary Groups,
// skipping the network entirely.
type memTransport struct {
	mu         sync.Mutex
	secondarys map[string]*Group
	primary    *Group // set when a test exercises CatchUp/Replay
}

func (m *memTransport) Prepare(ctx context.Context, addr string, seq uint64, op Operation) (bool, string, error) {
	m.mu.Lock()
	sec := m.secondarys[addr]
	m.mu.Unlock()
	ok, reason := sec.HandlePrepare(seq, op)
	return ok, reason, nil
}

func (m *memTransport) Commit(ctx context.Context, addr string, seq uint64) error {
	m.mu.Lock()
	sec := m.secondarys[addr]
	m.mu.Unlock()
	return sec.HandleCommit(seq)
}

func (m *memTransport) Abort(ctx context.Context, addr string, seq uint64) error {
	m.mu.Lock()
	sec := m.secondarys[addr]
	m.mu.Unlock()
	return sec.HandleAbort(seq)
}

func (m *memTransport) Replay(ctx context.Context, addr string, fromSeq uint64) ([]oplog.Entry, error) {
	m.mu.Lock()
	p := m.primary
	m.mu.Unlock()
	if p == nil {
		return nil, nil
	}
	return p.ReplayFrom(fromSeq)
}

// fakeLog is a minimal in-memory logHandle, standing in for *oplog.Log in
// tests that don't want to touch disk.
type fakeLog struct {
	mu      sync.Mutex
	entries map[uint64][]byte
	applied map[uint64]bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{entries: make(map[uint64][]byte), applied: make(map[uint64]bool)}
}

func (l *fakeLog) Append(seq uint64, opBytes []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[seq] = opBytes
	return nil
}

func (l *fakeLog) MarkApplied(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[seq] = true
	return nil
}

func (l *fakeLog) LastApplied() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max uint64
	for seq, ok := range l.applied {
		if ok && seq > max {
			max = seq
		}
	}
	return max, nil
}

func (l *fakeLog) ReplayFrom(from uint64) ([]oplog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []oplog.Entry
	for seq, op := range l.entries {
		if seq > from {
			out = append(out, oplog.Entry{Seq: seq, Op: op})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func newTestCluster(t *testing.T, numSecondaries int) (*Group, []*Group, *tablet.Tablet, []*tablet.Tablet) {
	t.Helper()
	primaryTablet := tablet.New("a", "z")
	transport := &memTransport{secondarys: make(map[string]*Group)}

	secGroups := make([]*Group, numSecondaries)
	secTablets := make([]*tablet.Tablet, numSecondaries)
	secAddrs := make([]string, numSecondaries)
	for i := 0; i < numSecondaries; i++ {
		secTablets[i] = tablet.New("a", "z")
		addr := string(rune('1' + i))
		secAddrs[i] = addr
		secGroups[i] = NewGroup(Config{
			ID:   1,
			Self: addr,
			Role: RoleSecondary,
			Tablets: singleTabletLookup{t: secTablets[i]},
		})
		transport.secondarys[addr] = secGroups[i]
	}

	primary := NewGroup(Config{
		ID:          1,
		Self:        "0",
		Role:        RolePrimary,
		Secondaries: secAddrs,
		Tablets:     singleTabletLookup{t: primaryTablet},
		Transport:   transport,
		Log:         newFakeLog(),
		PrepareTimeout: time.Second,
	})
	transport.primary = primary
	return primary, secGroups, primaryTablet, secTablets
}

func TestClientWritePropagatesToAllSecondaries(t *testing.T) {
	primary, _, primaryTablet, secTablets := newTestCluster(t, 2)

	err := primary.ClientWrite(context.Background(), Operation{
		Kind: OpPut,
		Row:  "apple",
		Args: [][]byte{[]byte("c1"), []byte("v1")},
	})
	require.NoError(t, err)

	v, err := primaryTablet.GetValue("apple", "c1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	for _, st := range secTablets {
		v, err := st.GetValue("apple", "c1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(v))
	}
}

func TestClientWriteCPutMismatchAppliedUniformly(t *testing.T) {
	primary, _, primaryTablet, secTablets := newTestCluster(t, 1)

	require.NoError(t, primary.ClientWrite(context.Background(), Operation{
		Kind: OpPut, Row: "apple", Args: [][]byte{[]byte("c1"), []byte("v1")},
	}))

	err := primary.ClientWrite(context.Background(), Operation{
		Kind: OpCPut, Row: "apple",
		Args: [][]byte{[]byte("c1"), []byte("wrong"), []byte("v2")},
	})
	assert.ErrorContains(t, err, "COND_MISMATCH")

	v, _ := primaryTablet.GetValue("apple", "c1")
	assert.Equal(t, "v1", string(v))
	v, _ = secTablets[0].GetValue("apple", "c1")
	assert.Equal(t, "v1", string(v))
}

func TestClientWriteAbortsWhenSecondaryKilled(t *testing.T) {
	primary, secs, _, _ := newTestCluster(t, 1)
	secs[0].SetKilled(true)

	err := primary.ClientWrite(context.Background(), Operation{
		Kind: OpPut, Row: "apple", Args: [][]byte{[]byte("c1"), []byte("v1")},
	})
	assert.ErrorContains(t, err, "WRITE_FAILED")
}

func TestSequentialWritesSameRowApplyInOrder(t *testing.T) {
	primary, _, primaryTablet, _ := newTestCluster(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = primary.ClientWrite(context.Background(), Operation{
				Kind: OpPut, Row: "apple",
				Args: [][]byte{[]byte("c1"), []byte{byte(i)}},
			})
		}(i)
	}
	wg.Wait()

	_, err := primaryTablet.GetValue("apple", "c1")
	require.NoError(t, err)
}

func TestPrimaryWithNoSecondariesCommitsLocally(t *testing.T) {
	primary, _, primaryTablet, _ := newTestCluster(t, 0)

	err := primary.ClientWrite(context.Background(), Operation{
		Kind: OpPut, Row: "apple", Args: [][]byte{[]byte("c1"), []byte("solo")},
	})
	require.NoError(t, err)
	v, err := primaryTablet.GetValue("apple", "c1")
	require.NoError(t, err)
	assert.Equal(t, "solo", string(v))
}

func TestHoldbackAppliesOutOfOrderArrivalInSeqOrder(t *testing.T) {
	tb := tablet.New("a", "z")
	g := NewGroup(Config{ID: 1, Self: "sec", Role: RoleSecondary, Tablets: singleTabletLookup{t: tb}})

	op1 := Operation{Kind: OpPut, Row: "r", Args: [][]byte{[]byte("c"), []byte("first")}}
	op2 := Operation{Kind: OpPut, Row: "r", Args: [][]byte{[]byte("c"), []byte("second")}}

	ok, _ := g.HandlePrepare(2, op2)
	require.True(t, ok)
	ok, _ = g.HandlePrepare(1, op1)
	require.True(t, ok)

	// COMMIT(1) should only release seq 1; seq 2 stays buffered.
	require.NoError(t, g.HandleCommit(1))
	assert.Equal(t, uint64(1), g.LastApplied())
	v, err := tb.GetValue("r", "c")
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))

	require.NoError(t, g.HandleCommit(2))
	assert.Equal(t, uint64(2), g.LastApplied())
	v, err = tb.GetValue("r", "c")
	require.NoError(t, err)
	assert.Equal(t, "second", string(v))
}

func TestHandleAbortDropsHoldbackEntryWithoutApplying(t *testing.T) {
	tb := tablet.New("a", "z")
	g := NewGroup(Config{ID: 1, Self: "sec", Role: RoleSecondary, Tablets: singleTabletLookup{t: tb}})

	op := Operation{Kind: OpPut, Row: "r", Args: [][]byte{[]byte("c"), []byte("v")}}
	ok, _ := g.HandlePrepare(1, op)
	require.True(t, ok)

	require.NoError(t, g.HandleAbort(1))
	assert.Equal(t, uint64(0), g.LastApplied())

	_, err := tb.GetValue("r", "c")
	assert.Error(t, err)
}

func TestCatchUpAppliesEntriesMissedWhileSecondaryWasDown(t *testing.T) {
	primary, _, primaryTablet, _ := newTestCluster(t, 0)

	for i, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, primary.ClientWrite(context.Background(), Operation{
			Kind: OpPut, Row: "apple", Args: [][]byte{[]byte(fmt.Sprintf("c%d", i)), []byte(v)},
		}))
	}
	v, err := primaryTablet.GetValue("apple", "c2")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(v))

	transport := &memTransport{secondarys: make(map[string]*Group), primary: primary}
	secTablet := tablet.New("a", "z")
	secondary := NewGroup(Config{
		ID:          1,
		Self:        "late",
		Role:        RoleSecondary,
		PrimaryAddr: "0",
		Tablets:     singleTabletLookup{t: secTablet},
		Transport:   transport,
		Log:         newFakeLog(),
	})
	require.Equal(t, uint64(0), secondary.LastApplied())

	require.NoError(t, secondary.CatchUp(context.Background()))

	assert.Equal(t, primary.LastApplied(), secondary.LastApplied())
	for i := range 3 {
		want, err := primaryTablet.GetValue("apple", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		got, err := secTablet.GetValue("apple", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}
