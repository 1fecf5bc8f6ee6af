// Package storagenode implements the cluster's TCP-serving storage node:
// it owns a set of tablets, answers the KV wire protocol, and holds one
// replica-group role (primary or secondary), delegating replication
// decisions to pkg/replica.
package storagenode

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/rowkv/cluster/pkg/oplog"
	"github.com/rowkv/cluster/pkg/replica"
	"github.com/rowkv/cluster/pkg/tablet"
	"github.com/rowkv/cluster/pkg/wire"
	"github.com/rs/zerolog"
)

// Recorder receives observability events from a Node. pkg/metrics
// implements it; a nil Recorder disables instrumentation entirely.
type Recorder interface {
	CommandServed(cmd string, dur time.Duration, ok bool)
	ReplicationRoundTrip(dur time.Duration)
	HoldbackDepth(n int)
	SetKilled(killed bool)
}

// Config bundles the values a storage node's CLI (-p/-s/-e) or an
// optional static manifest (pkg/clusterspec) resolves before startup.
type Config struct {
	Addr        string // this node's own "ip:port"
	Tablets     []*tablet.Tablet
	Role        replica.Role
	GroupID     int
	PrimaryAddr string   // secondary only: where to forward writes / expect PREP from
	Secondaries []string // primary only
	DialTimeout time.Duration
	Log         logHandle
	Recorder    Recorder
}

type logHandle interface {
	Append(seq uint64, opBytes []byte) error
	MarkApplied(seq uint64) error
	LastApplied() (uint64, error)
	ReplayFrom(from uint64) ([]oplog.Entry, error)
}

// Node is a running storage node.
type Node struct {
	Addr    string
	tablets []*tablet.Tablet
	group   *replica.Group

	primaryAddr string
	dialTimeout time.Duration
	recorder    Recorder
	logger      zerolog.Logger
}

// New constructs a Node and its replication Group, wiring a NetTransport
// for talking to peer replicas.
func New(cfg Config) *Node {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	n := &Node{
		Addr:        cfg.Addr,
		tablets:     cfg.Tablets,
		primaryAddr: cfg.PrimaryAddr,
		dialTimeout: dialTimeout,
		recorder:    cfg.Recorder,
		logger:      clog.WithNodeAddr(cfg.Addr),
	}
	transport := &NetTransport{dialTimeout: dialTimeout, recorder: cfg.Recorder}
	n.group = replica.NewGroup(replica.Config{
		ID:          cfg.GroupID,
		Self:        cfg.Addr,
		Role:        cfg.Role,
		PrimaryAddr: cfg.PrimaryAddr,
		Secondaries: cfg.Secondaries,
		Tablets:     n,
		Transport:   transport,
		Log:         cfg.Log,
	})
	return n
}

// Group exposes the node's replication engine, e.g. for admin KILL/WAKE.
func (n *Node) Group() *replica.Group { return n.group }

// CatchUp requests every operation this node's group missed while it was
// down or disconnected and applies them in order. It is a no-op on a
// primary; a secondary calls it once at startup, after recovering its
// own last_applied_seq from its durable log, to close the remaining gap
// against the primary (spec §9's reconnect catch-up note).
func (n *Node) CatchUp(ctx context.Context) error {
	return n.group.CatchUp(ctx)
}

// Lookup implements replica.TabletLookup: tablets are scanned from
// highest range_start downward, returning the first whose range_start
// is at or below row (spec §4.2).
func (n *Node) Lookup(row string) (*tablet.Tablet, bool) {
	var best *tablet.Tablet
	for _, t := range n.tablets {
		if t.Owns(row) {
			if best == nil || t.RangeStart > best.RangeStart {
				best = t
			}
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// AllRows returns every row key across every tablet this node owns, in
// per-tablet key order (used by GETA).
func (n *Node) AllRows() []string {
	var out []string
	for _, t := range n.tablets {
		out = append(out, t.GetAllRows()...)
	}
	return out
}

// ListenAndServe binds Addr and serves connections until ctx is
// cancelled or the listener errors.
func (n *Node) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.Addr)
	if err != nil {
		return fmt.Errorf("storage node listen on %s: %w", n.Addr, err)
	}
	defer ln.Close()
	n.logger.Info().Str("addr", n.Addr).Msg("storage node listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("storage node accept: %w", err)
			}
		}
		go n.handleConn(ctx, conn)
	}
}

// handleConn serves one client connection's stream of framed commands.
// A recover() guard keeps a single malformed or panicking command from
// taking down the whole node.
func (n *Node) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	connLogger := n.logger.With().Str("conn_id", connID).Logger()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			connLogger.Error().Interface("panic", r).Msg("connection handler recovered from panic")
		}
	}()
	connLogger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		start := time.Now()
		reply, cmd := n.dispatch(ctx, payload)
		if n.recorder != nil {
			_, ok := wire.IsOK(reply)
			n.recorder.CommandServed(cmd, time.Since(start), ok)
		}
		if err := wire.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

// dispatch routes one command payload to its handler and returns the
// reply payload plus the command tag, for instrumentation.
func (n *Node) dispatch(ctx context.Context, payload []byte) ([]byte, string) {
	if len(payload) < 5 || payload[4] != '\b' {
		return wire.ErrorReply(kverr.ErrMalformedRequest), "?"
	}
	cmd := strings.ToUpper(strings.TrimRight(string(payload[:4]), " "))
	rest := payload[5:]

	if n.group.Killed() && isKVCommand(cmd) {
		return wire.ErrorReply(kverr.ErrNodeDown), cmd
	}

	switch cmd {
	case "GETR":
		return n.handleGetRow(rest), cmd
	case "GETV":
		return n.handleGetValue(rest), cmd
	case "GETA":
		return n.handleGetAll(), cmd
	case "PUTV":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "CPUT":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "DELR":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "DELV":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "RNMR":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "RNMC":
		return n.handleWrite(ctx, cmd, rest, payload), cmd
	case "KILL":
		n.group.SetKilled(true)
		if n.recorder != nil {
			n.recorder.SetKilled(true)
		}
		return wire.OK(nil), cmd
	case "WAKE":
		n.group.SetKilled(false)
		if n.recorder != nil {
			n.recorder.SetKilled(false)
		}
		return wire.OK(nil), cmd
	case "PWRT":
		reply, _ := n.dispatch(ctx, rest)
		return reply, cmd
	case "PREP":
		return n.handlePrepare(rest), cmd
	case "COMM":
		return n.handleCommit(rest), cmd
	case "ABRT":
		return n.handleAbort(rest), cmd
	case "RPLY":
		return n.handleReplay(rest), cmd
	default:
		return wire.ErrorReply(kverr.ErrMalformedRequest), cmd
	}
}

func isKVCommand(cmd string) bool {
	switch cmd {
	case "GETR", "GETV", "GETA", "PUTV", "CPUT", "DELR", "DELV", "RNMR", "RNMC":
		return true
	default:
		return false
	}
}
