// Package replica drives the primary-coordinated two-phase commit
// protocol that keeps a replica group's storage nodes in sync: PREPARE,
// COMMIT/ABORT, and the hold-back buffering a secondary uses to apply
// decided operations in order (spec §4.3).
package replica

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/rowkv/cluster/pkg/oplog"
	"github.com/rowkv/cluster/pkg/tablet"
	"github.com/rs/zerolog"
)

// Role is a storage node's position within its replica group.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// Transport sends the PREPARE/COMMIT/ABORT internal protocol messages to
// a peer node over the cluster's wire protocol. storagenode supplies the
// concrete implementation (dial, write frame, read frame).
type Transport interface {
	// Prepare sends PREP and returns the peer's vote: true for SECY,
	// false (with reason) for SECN. A non-nil err means the peer could
	// not be reached at all (treated the same as a SECN vote).
	Prepare(ctx context.Context, addr string, seq uint64, op Operation) (vote bool, reason string, err error)
	// Commit sends COMM and blocks for the peer's ACKD reply.
	Commit(ctx context.Context, addr string, seq uint64) error
	// Abort sends ABRT and waits for the peer's reply frame.
	Abort(ctx context.Context, addr string, seq uint64) error
	// Replay sends RPLY to addr and returns every operation recorded
	// there with seq greater than fromSeq, for a secondary catching up
	// after a reconnect (spec §9's catch-up note).
	Replay(ctx context.Context, addr string, fromSeq uint64) ([]oplog.Entry, error)
}

// TabletLookup resolves the tablet that owns a row, mirroring the
// storage node's own range-descending tablet lookup (spec §4.2).
type TabletLookup interface {
	Lookup(row string) (*tablet.Tablet, bool)
}

// Group is the replication engine for one replica group as seen from one
// storage node: either the primary driving PREPARE/COMMIT/ABORT, or a
// secondary receiving and answering them.
//
// Per spec §5, the per-group sequence counter and hold-back queue are
// owned exclusively by their node and mutated only from that node's
// single dispatcher task. Here that dispatcher is literal: ClientWrite
// enqueues onto reqCh and a single goroutine (run) drains it, so every
// seq assignment, PREPARE fan-out, and COMMIT/ABORT broadcast for this
// group happens strictly one at a time, in seq order. That subsumes the
// separate "row write-lock held from PREPARE to COMMIT/ABORT" picture
// in spec §9 — with only one operation in flight per group at a time,
// two writes to the same row are already serialized by seq assignment
// and never need an additional per-row lock for correctness (spec §9
// allows any equivalent implementation of that invariant). Concurrent
// GETV/GETR reads still see correct snapshots because tablet's own
// per-row RWMutex arbitrates them against the in-flight Apply.
type Group struct {
	ID   int
	Self string

	role        Role
	primaryAddr string   // secondary only
	secondaries []string // primary only

	tablets        TabletLookup
	transport      Transport
	log            logHandle
	prepareTimeout time.Duration

	logger zerolog.Logger

	// primary-only dispatcher
	reqCh   chan *writeRequest
	nextSeq uint64

	// secondary-side state. Each PREP/COMM/ABRT arrives on its own
	// connection goroutine, so unlike the primary's channel-fed
	// dispatcher this needs an explicit mutex to serialize access —
	// it plays the same "single dispatcher task" role spec §5 asks for.
	// lastApplied is also advanced by the primary's dispatcher in decide.
	secMu       sync.Mutex
	holdback    *holdbackQueue
	lastApplied uint64

	killed atomic.Bool // admin KILL: reject new PREPAREs/writes, per spec §4.6
}

type logHandle interface {
	Append(seq uint64, opBytes []byte) error
	MarkApplied(seq uint64) error
	LastApplied() (uint64, error)
	ReplayFrom(from uint64) ([]oplog.Entry, error)
}

type writeRequest struct {
	op     Operation
	result chan writeResult
}

type writeResult struct {
	applyErr error // legitimate KV-level outcome, e.g. COND_MISMATCH
	err      error // protocol-level failure, e.g. WRITE_FAILED
}

// Config bundles Group construction parameters.
type Config struct {
	ID             int
	Self           string
	Role           Role
	PrimaryAddr    string // secondary only
	Secondaries    []string
	Tablets        TabletLookup
	Transport      Transport
	Log            logHandle
	PrepareTimeout time.Duration
}

// NewGroup constructs a Group and, if it is a primary, starts its
// dispatcher goroutine.
func NewGroup(cfg Config) *Group {
	timeout := cfg.PrepareTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	g := &Group{
		ID:             cfg.ID,
		Self:           cfg.Self,
		role:           cfg.Role,
		primaryAddr:    cfg.PrimaryAddr,
		secondaries:    append([]string(nil), cfg.Secondaries...),
		tablets:        cfg.Tablets,
		transport:      cfg.Transport,
		log:            cfg.Log,
		prepareTimeout: timeout,
		logger:         clog.WithGroup(cfg.ID),
		holdback:       newHoldbackQueue(),
	}
	if g.role == RolePrimary {
		g.reqCh = make(chan *writeRequest, 64)
		go g.run()
	} else if g.log != nil {
		// Recover this secondary's own apply cursor from its durable log
		// before it ever handles a PREP/COMM — a crash-restarted secondary
		// shouldn't need a full CatchUp to know what it had already
		// applied before it went down (spec §9).
		if applied, err := g.log.LastApplied(); err == nil {
			g.lastApplied = applied
		} else {
			g.logger.Warn().Err(err).Msg("failed to recover last applied seq from operation log")
		}
	}
	return g
}

// Role reports whether this node is the primary or a secondary for the
// group.
func (g *Group) Role() Role { return g.role }

// SetKilled toggles the admin KILL/WAKE state (spec §4.6): a killed node
// votes SECN on every PREPARE and accepts no new client writes. Reads are
// not handled here; storagenode.Node answers every KV command, reads
// included, with NODE_DOWN while Killed reports true.
func (g *Group) SetKilled(killed bool) { g.killed.Store(killed) }
func (g *Group) Killed() bool          { return g.killed.Load() }

// ClientWrite submits op to the primary's dispatcher and blocks until the
// group has durably decided it (or the protocol gave up). The returned
// error is either nil (committed: applied on the primary and COMMIT sent
// to every secondary), a KV-level outcome like kverr.ErrCondMismatch, or
// kverr.ErrWriteFailed if the group could not reach a commit decision at
// all. A secondary that fails to answer COMMIT with ACKD is logged only;
// the write is still reported to the caller as committed.
func (g *Group) ClientWrite(ctx context.Context, op Operation) error {
	if g.role != RolePrimary {
		return fmt.Errorf("replica: ClientWrite called on a non-primary group")
	}
	if g.killed.Load() {
		return kverr.ErrWriteFailed
	}
	req := &writeRequest{op: op, result: make(chan writeResult, 1)}
	select {
	case g.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-req.result:
		if res.err != nil {
			return res.err
		}
		return res.applyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the primary's single dispatcher task: one request fully
// prepared, decided, broadcast, and applied before the next begins.
func (g *Group) run() {
	for req := range g.reqCh {
		req.result <- g.processOne(req.op)
	}
}

func (g *Group) processOne(op Operation) writeResult {
	g.nextSeq++
	seq := g.nextSeq
	opBytes := Encode(op)

	if g.log != nil {
		if err := g.log.Append(seq, opBytes); err != nil {
			g.logger.Error().Err(err).Uint64("seq", seq).Msg("append to operation log failed")
		}
	}

	if len(g.secondaries) == 0 {
		return g.decide(seq, op, true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.prepareTimeout)
	defer cancel()

	type vote struct {
		addr   string
		ok     bool
		reason string
	}
	votes := make(chan vote, len(g.secondaries))
	for _, addr := range g.secondaries {
		addr := addr
		go func() {
			ok, reason, err := g.transport.Prepare(ctx, addr, seq, op)
			if err != nil {
				votes <- vote{addr, false, err.Error()}
				return
			}
			votes <- vote{addr, ok, reason}
		}()
	}

	allYes := true
	var failReason string
	for i := 0; i < len(g.secondaries); i++ {
		v := <-votes
		if !v.ok {
			allYes = false
			failReason = fmt.Sprintf("%s: %s", v.addr, v.reason)
		}
	}

	if !allYes {
		g.logger.Warn().Uint64("seq", seq).Str("reason", failReason).Msg("PREPARE rejected, aborting")
		g.broadcastAbort(seq)
		return writeResult{err: kverr.ErrWriteFailed}
	}

	return g.decide(seq, op, true)
}

// decide applies op locally (if commit is true) and broadcasts the
// COMMIT (or ABORT) decision to every secondary, waiting for each ACKD
// before returning.
func (g *Group) decide(seq uint64, op Operation, commit bool) writeResult {
	if !commit {
		g.broadcastAbort(seq)
		return writeResult{err: kverr.ErrWriteFailed}
	}

	t, ok := g.tablets.Lookup(op.Row)
	var applyErr error
	if !ok {
		applyErr = kverr.ErrRowMissing
	} else {
		applyErr = Apply(t, op)
	}

	if len(g.secondaries) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), g.prepareTimeout)
		defer cancel()
		done := make(chan error, len(g.secondaries))
		for _, addr := range g.secondaries {
			addr := addr
			go func() { done <- g.transport.Commit(ctx, addr, seq) }()
		}
		for i := 0; i < len(g.secondaries); i++ {
			if err := <-done; err != nil {
				g.logger.Error().Err(err).Uint64("seq", seq).Msg("secondary did not ACKD commit")
			}
		}
	}

	if g.log != nil {
		if err := g.log.MarkApplied(seq); err != nil {
			g.logger.Error().Err(err).Uint64("seq", seq).Msg("mark applied failed")
		}
	}

	g.secMu.Lock()
	g.lastApplied = seq
	g.secMu.Unlock()

	return writeResult{applyErr: applyErr}
}

func (g *Group) broadcastAbort(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), g.prepareTimeout)
	defer cancel()
	for _, addr := range g.secondaries {
		addr := addr
		go func() {
			if err := g.transport.Abort(ctx, addr, seq); err != nil {
				g.logger.Warn().Err(err).Uint64("seq", seq).Str("addr", addr).Msg("ABRT delivery failed")
			}
		}()
	}
}

// --- secondary-side handlers, invoked by storagenode's connection
// handler upon receiving PREP/COMM/ABRT from the primary. ---

// HandlePrepare records a newly PREPAREd operation in the hold-back
// queue and votes SECY. The only SECN it returns itself is while the
// node is KILLed; otherwise a secondary always agrees, and a peer that
// cannot be reached is turned into an error by the transport instead.
func (g *Group) HandlePrepare(seq uint64, op Operation) (vote bool, reason string) {
	g.secMu.Lock()
	defer g.secMu.Unlock()

	if g.killed.Load() {
		return false, "node killed"
	}
	g.holdback.Put(seq, op.Row, Encode(op))
	if g.log != nil {
		if err := g.log.Append(seq, Encode(op)); err != nil {
			g.logger.Error().Err(err).Uint64("seq", seq).Msg("append to operation log failed")
		}
	}
	return true, ""
}

// HandleCommit applies every hold-back entry from last_applied_seq+1
// through seq, in order, and advances last_applied_seq.
func (g *Group) HandleCommit(seq uint64) error {
	g.secMu.Lock()
	defer g.secMu.Unlock()

	for {
		entry, ok := g.holdback.Peek()
		if !ok || entry.seq > seq {
			break
		}
		g.holdback.PopFront()

		op, err := Decode(entry.opBytes)
		if err != nil {
			g.logger.Error().Err(err).Uint64("seq", entry.seq).Msg("corrupt hold-back entry")
			continue
		}
		t, ok := g.tablets.Lookup(op.Row)
		if !ok {
			g.logger.Error().Uint64("seq", entry.seq).Str("row", op.Row).Msg("no local tablet owns row at commit time")
		} else if err := Apply(t, op); err != nil {
			g.logger.Debug().Err(err).Uint64("seq", entry.seq).Msg("applied operation reports KV-level outcome")
		}

		g.lastApplied = entry.seq
		if g.log != nil {
			if err := g.log.MarkApplied(entry.seq); err != nil {
				g.logger.Error().Err(err).Uint64("seq", entry.seq).Msg("mark applied failed")
			}
		}
	}
	return nil
}

// HandleAbort discards the hold-back entry for seq without applying it.
func (g *Group) HandleAbort(seq uint64) error {
	g.secMu.Lock()
	defer g.secMu.Unlock()
	g.holdback.Take(seq)
	return nil
}

// LastApplied returns this node's current apply cursor, on a primary or
// a secondary.
func (g *Group) LastApplied() uint64 {
	g.secMu.Lock()
	defer g.secMu.Unlock()
	return g.lastApplied
}

// ReplayFrom serves a RPLY request: it returns every operation this
// primary's log has recorded with seq greater than from, for a
// secondary that fell behind or reconnected after a crash (spec §9).
func (g *Group) ReplayFrom(from uint64) ([]oplog.Entry, error) {
	if g.log == nil {
		return nil, nil
	}
	return g.log.ReplayFrom(from)
}

// CatchUp asks the primary for every operation recorded since this
// secondary's own last_applied_seq and applies them in seq order,
// bringing a node that missed PREPARE/COMMIT broadcasts while it was
// down back in sync before it starts serving client traffic (spec §9's
// reconnect catch-up design note). It is a no-op on a primary.
func (g *Group) CatchUp(ctx context.Context) error {
	if g.role != RoleSecondary {
		return nil
	}
	entries, err := g.transport.Replay(ctx, g.primaryAddr, g.LastApplied())
	if err != nil {
		return fmt.Errorf("replica: catch-up replay from %s: %w", g.primaryAddr, err)
	}
	if len(entries) == 0 {
		return nil
	}

	g.secMu.Lock()
	defer g.secMu.Unlock()
	for _, e := range entries {
		if e.Seq <= g.lastApplied {
			continue
		}
		op, err := Decode(e.Op)
		if err != nil {
			g.logger.Error().Err(err).Uint64("seq", e.Seq).Msg("corrupt replayed operation, skipping")
			continue
		}
		if t, ok := g.tablets.Lookup(op.Row); ok {
			if err := Apply(t, op); err != nil {
				g.logger.Debug().Err(err).Uint64("seq", e.Seq).Msg("replayed operation reports KV-level outcome")
			}
		} else {
			g.logger.Error().Uint64("seq", e.Seq).Str("row", op.Row).Msg("no local tablet owns row replayed from primary")
		}

		g.lastApplied = e.Seq
		if g.log != nil {
			if err := g.log.Append(e.Seq, e.Op); err != nil {
				g.logger.Error().Err(err).Uint64("seq", e.Seq).Msg("append replayed entry to operation log failed")
			}
			if err := g.log.MarkApplied(e.Seq); err != nil {
				g.logger.Error().Err(err).Uint64("seq", e.Seq).Msg("mark replayed entry applied failed")
			}
		}
	}
	g.logger.Info().Uint64("last_applied", g.lastApplied).Int("entries", len(entries)).Msg("caught up from primary")
	return nil
}
