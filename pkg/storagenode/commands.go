package storagenode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rowkv/cluster/pkg/kverr"
	"github.com/rowkv/cluster/pkg/replica"
	"github.com/rowkv/cluster/pkg/wire"
)

func (n *Node) handleGetRow(rest []byte) []byte {
	row := string(rest)
	t, ok := n.Lookup(row)
	if !ok {
		return wire.ErrorReply(kverr.ErrRowMissing)
	}
	cols, err := t.GetRow(row)
	if err != nil {
		return wire.ErrorReply(err)
	}
	return wire.OK(wire.JoinFields(cols))
}

func (n *Node) handleGetValue(rest []byte) []byte {
	fields, err := wire.SplitN(rest, 2)
	if err != nil {
		return wire.ErrorReply(kverr.ErrMalformedRequest)
	}
	row, col := string(fields[0]), string(fields[1])
	t, ok := n.Lookup(row)
	if !ok {
		return wire.ErrorReply(kverr.ErrRowMissing)
	}
	v, err := t.GetValue(row, col)
	if err != nil {
		return wire.ErrorReply(err)
	}
	return wire.OK(v)
}

func (n *Node) handleGetAll() []byte {
	return wire.OK(wire.JoinFields(n.AllRows()))
}

// handleWrite parses a mutating command into a replica.Operation and
// either drives it through this node's replication group (if primary)
// or forwards the original frame payload to the primary via PWRT.
func (n *Node) handleWrite(ctx context.Context, cmd string, rest, rawPayload []byte) []byte {
	if n.group.Role() != replica.RolePrimary {
		return n.forwardWrite(rawPayload)
	}

	op, err := parseWriteOp(cmd, rest)
	if err != nil {
		return wire.ErrorReply(err)
	}
	if _, ok := n.Lookup(op.Row); !ok {
		return wire.ErrorReply(kverr.ErrRowMissing)
	}

	err = n.group.ClientWrite(ctx, op)
	if err != nil {
		return wire.ErrorReply(err)
	}
	return wire.OK(nil)
}

func parseWriteOp(cmd string, rest []byte) (replica.Operation, error) {
	switch cmd {
	case "PUTV":
		f, err := wire.SplitN(rest, 3)
		if err != nil {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		return replica.Operation{Kind: replica.OpPut, Row: string(f[0]), Args: [][]byte{f[1], f[2]}}, nil

	case "CPUT":
		f, err := wire.SplitN(rest, 3)
		if err != nil {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		remainder := f[2]
		if len(remainder) < 4 {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		vLen := binary.BigEndian.Uint32(remainder[:4])
		remainder = remainder[4:]
		if uint32(len(remainder)) < vLen {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		oldVal := remainder[:vLen]
		newVal := remainder[vLen:]
		return replica.Operation{Kind: replica.OpCPut, Row: string(f[0]), Args: [][]byte{f[1], oldVal, newVal}}, nil

	case "DELR":
		if len(rest) == 0 {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		return replica.Operation{Kind: replica.OpDeleteRow, Row: string(rest)}, nil

	case "DELV":
		f, err := wire.SplitN(rest, 2)
		if err != nil {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		return replica.Operation{Kind: replica.OpDeleteColumn, Row: string(f[0]), Args: [][]byte{f[1]}}, nil

	case "RNMR":
		f, err := wire.SplitN(rest, 2)
		if err != nil {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		return replica.Operation{Kind: replica.OpRenameRow, Row: string(f[0]), Args: [][]byte{f[1]}}, nil

	case "RNMC":
		f, err := wire.SplitN(rest, 3)
		if err != nil {
			return replica.Operation{}, kverr.ErrMalformedRequest
		}
		return replica.Operation{Kind: replica.OpRenameColumn, Row: string(f[0]), Args: [][]byte{f[1], f[2]}}, nil

	default:
		return replica.Operation{}, fmt.Errorf("%w: unknown write command %s", kverr.ErrMalformedRequest, cmd)
	}
}

// --- internal replication protocol handlers (secondary side) ---

func (n *Node) handlePrepare(rest []byte) []byte {
	f, err := wire.SplitN(rest, 2)
	if err != nil || len(f[0]) != 8 {
		return wire.BuildCommand("SECN", rest, []byte("malformed PREPARE"))
	}
	seq := binary.BigEndian.Uint64(f[0])
	op, err := replica.Decode(f[1])
	if err != nil {
		return wire.BuildCommand("SECN", f[0], []byte("malformed operation"))
	}
	ok, reason := n.group.HandlePrepare(seq, op)
	if !ok {
		return wire.BuildCommand("SECN", f[0], []byte(reason))
	}
	if n.recorder != nil {
		n.recorder.HoldbackDepth(1)
	}
	return wire.BuildCommand("SECY", f[0])
}

func (n *Node) handleCommit(rest []byte) []byte {
	if len(rest) != 8 {
		return wire.ErrorReply(kverr.ErrMalformedRequest)
	}
	seq := binary.BigEndian.Uint64(rest)
	if err := n.group.HandleCommit(seq); err != nil {
		return wire.ErrorReply(err)
	}
	return wire.BuildCommand("ACKD", rest)
}

func (n *Node) handleAbort(rest []byte) []byte {
	if len(rest) != 8 {
		return wire.ErrorReply(kverr.ErrMalformedRequest)
	}
	seq := binary.BigEndian.Uint64(rest)
	_ = n.group.HandleAbort(seq)
	return wire.OK(nil)
}

// handleReplay serves RPLY: a secondary catching up after a reconnect
// asks its primary for every operation recorded past the seq it names,
// per spec §9's reconnect catch-up note.
func (n *Node) handleReplay(rest []byte) []byte {
	if len(rest) != 8 {
		return wire.ErrorReply(kverr.ErrMalformedRequest)
	}
	if n.group.Role() != replica.RolePrimary {
		return wire.ErrorReply(errors.New("NOT_PRIMARY"))
	}
	fromSeq := binary.BigEndian.Uint64(rest)
	entries, err := n.group.ReplayFrom(fromSeq)
	if err != nil {
		return wire.ErrorReply(err)
	}
	return wire.OK(encodeReplayEntries(entries))
}

// forwardWrite relays a client write frame to the primary over a fresh
// connection wrapped in PWRT, per spec §4.2's non-primary forwarding
// rule, and returns the primary's reply verbatim.
func (n *Node) forwardWrite(rawPayload []byte) []byte {
	if n.primaryAddr == "" {
		return wire.ErrorReply(errors.New("NO_PRIMARY"))
	}
	reply, err := dialAndRoundTrip(n.primaryAddr, n.dialTimeout, wire.BuildCommand("PWRT", rawPayload))
	if err != nil {
		return wire.ErrorReply(kverr.ErrNodeDown)
	}
	return reply
}
