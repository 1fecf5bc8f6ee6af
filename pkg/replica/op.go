package replica

import (
	"encoding/binary"
	"fmt"

	"github.com/rowkv/cluster/pkg/tablet"
)

// OpKind identifies one of the six mutating tablet operations that flow
// through the replication protocol (spec §3's operation record).
type OpKind byte

const (
	OpPut OpKind = iota
	OpCPut
	OpDeleteRow
	OpDeleteColumn
	OpRenameRow
	OpRenameColumn
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "PUT"
	case OpCPut:
		return "CPUT"
	case OpDeleteRow:
		return "DELR"
	case OpDeleteColumn:
		return "DELC"
	case OpRenameRow:
		return "RENAME_ROW"
	case OpRenameColumn:
		return "RENAME_COL"
	default:
		return "UNKNOWN"
	}
}

// Operation is the tuple (op, row, col, args...) from spec §3, minus the
// seq (which is assigned separately and carried alongside, not inside,
// the encoded operation).
type Operation struct {
	Kind OpKind
	Row  string
	Args [][]byte
}

// Apply executes op against t. The returned error may be a legitimate
// KV-level outcome (ROW_MISSING, COND_MISMATCH, ...) — that is not a
// 2PC failure, it is the operation's result, and every replica must
// reach the same one since they apply identical bytes in identical
// order (spec §4.3's CPUT note).
func Apply(t *tablet.Tablet, op Operation) error {
	switch op.Kind {
	case OpPut:
		if len(op.Args) != 2 {
			return fmt.Errorf("PUT requires 2 args, got %d", len(op.Args))
		}
		return t.Put(op.Row, string(op.Args[0]), op.Args[1])
	case OpCPut:
		if len(op.Args) != 3 {
			return fmt.Errorf("CPUT requires 3 args, got %d", len(op.Args))
		}
		return t.CPut(op.Row, string(op.Args[0]), op.Args[1], op.Args[2])
	case OpDeleteRow:
		return t.DeleteRow(op.Row)
	case OpDeleteColumn:
		if len(op.Args) != 1 {
			return fmt.Errorf("DELC requires 1 arg, got %d", len(op.Args))
		}
		return t.DeleteColumn(op.Row, string(op.Args[0]))
	case OpRenameRow:
		if len(op.Args) != 1 {
			return fmt.Errorf("RENAME_ROW requires 1 arg, got %d", len(op.Args))
		}
		return t.RenameRow(op.Row, string(op.Args[0]))
	case OpRenameColumn:
		if len(op.Args) != 2 {
			return fmt.Errorf("RENAME_COL requires 2 args, got %d", len(op.Args))
		}
		return t.RenameColumn(op.Row, string(op.Args[0]), string(op.Args[1]))
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

// Encode serialises op to the bytes carried inside PREPARE messages and
// the durable operation log: 1 byte kind, length-prefixed row, uint32
// arg count, then length-prefixed args.
func Encode(op Operation) []byte {
	buf := make([]byte, 0, 32+len(op.Row))
	buf = append(buf, byte(op.Kind))
	buf = appendLP(buf, []byte(op.Row))
	var argCountBuf [4]byte
	binary.BigEndian.PutUint32(argCountBuf[:], uint32(len(op.Args)))
	buf = append(buf, argCountBuf[:]...)
	for _, a := range op.Args {
		buf = appendLP(buf, a)
	}
	return buf
}

func appendLP(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)
	return buf
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Operation, error) {
	if len(data) < 1 {
		return Operation{}, fmt.Errorf("operation record too short")
	}
	kind := OpKind(data[0])
	rest := data[1:]

	row, rest, err := readLP(rest)
	if err != nil {
		return Operation{}, fmt.Errorf("read row: %w", err)
	}
	if len(rest) < 4 {
		return Operation{}, fmt.Errorf("operation record missing arg count")
	}
	argCount := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	args := make([][]byte, 0, argCount)
	for i := uint32(0); i < argCount; i++ {
		var a []byte
		a, rest, err = readLP(rest)
		if err != nil {
			return Operation{}, fmt.Errorf("read arg %d: %w", i, err)
		}
		args = append(args, a)
	}
	return Operation{Kind: kind, Row: string(row), Args: args}, nil
}

func readLP(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("truncated field: want %d have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
