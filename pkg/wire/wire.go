// Package wire implements the cluster's length-prefixed binary protocol:
// every message on a KV, replication, or control-plane connection is a
// 4-byte big-endian length prefix followed by that many payload bytes.
// The first four payload bytes are an ASCII command tag, then a single
// '\b' separator, then '\b'-delimited argument fields (the last field of
// a command may itself contain arbitrary bytes, per spec).
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rowkv/cluster/pkg/kverr"
)

const sep = '\b'

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot
// force an unbounded allocation.
const MaxFrameSize = 64 << 20

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", kverr.ErrMalformedRequest, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

// Message is a parsed command frame: a 4-byte command tag plus its
// '\b'-delimited argument fields.
type Message struct {
	Command string
	Args    [][]byte
}

// ParseMessage splits a payload into its command tag and argument fields.
// Fields are split on every '\b', the final one included, so a value blob
// that contains '\b' comes back as several fields; use SplitN for those.
func ParseMessage(payload []byte) (Message, error) {
	if len(payload) < 5 || payload[4] != sep {
		return Message{}, fmt.Errorf("%w: frame too short or missing command separator", kverr.ErrMalformedRequest)
	}
	cmd := string(bytes.ToUpper(payload[:4]))
	rest := payload[5:]
	return Message{Command: cmd, Args: rest2fields(rest)}, nil
}

// rest2fields splits on every '\b'; a final field that itself contains
// the separator is split too. Callers that need a fixed number of
// delimited fields followed by a binary blob re-split using SplitN.
func rest2fields(rest []byte) [][]byte {
	if len(rest) == 0 {
		return nil
	}
	return bytes.Split(rest, []byte{sep})
}

// SplitN splits payload's argument bytes into exactly n fields, where the
// final field is the remainder verbatim (it may contain '\b'). Use this
// for commands whose last argument is an opaque value, e.g. PUTV's value
// or CPUT's trailing value bytes.
func SplitN(rest []byte, n int) ([][]byte, error) {
	fields := make([][]byte, 0, n)
	remaining := rest
	for i := 0; i < n-1; i++ {
		idx := bytes.IndexByte(remaining, sep)
		if idx < 0 {
			return nil, fmt.Errorf("%w: expected %d fields, ran out at field %d", kverr.ErrMalformedRequest, n, i+1)
		}
		fields = append(fields, remaining[:idx])
		remaining = remaining[idx+1:]
	}
	fields = append(fields, remaining)
	return fields, nil
}

// BuildCommand assembles a command frame's payload: the 4-char tag, a
// separator, and '\b'-joined args.
func BuildCommand(cmd string, args ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(padCommand(cmd))
	buf.WriteByte(sep)
	for i, a := range args {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.Write(a)
	}
	return buf.Bytes()
}

func padCommand(cmd string) string {
	if len(cmd) >= 4 {
		return cmd[:4]
	}
	return cmd + string(bytes.Repeat([]byte{' '}, 4-len(cmd)))
}

// OK builds a "+OK..." reply payload. extra, if non-nil, is appended
// verbatim (e.g. a value blob or a '\b'-joined list).
func OK(extra []byte) []byte {
	if len(extra) == 0 {
		return []byte("+OK")
	}
	out := make([]byte, 0, 3+len(extra))
	out = append(out, "+OK"...)
	out = append(out, extra...)
	return out
}

// ER builds a "-ER <reason>" reply payload.
func ER(reason string) []byte {
	return []byte("-ER " + reason)
}

// ErrorReply builds a "-ER <reason>" reply for err using kverr.Reason.
func ErrorReply(err error) []byte {
	return ER(kverr.Reason(err))
}

// IsOK reports whether a reply payload signals success, and returns the
// remainder after the "+OK" marker.
func IsOK(payload []byte) (rest []byte, ok bool) {
	if bytes.HasPrefix(payload, []byte("+OK")) {
		return payload[3:], true
	}
	return nil, false
}

// ErrFromReply parses a "-ER <reason>" reply into an error. If payload is
// not an error reply, ErrFromReply returns nil.
func ErrFromReply(payload []byte) error {
	if !bytes.HasPrefix(payload, []byte("-ER")) {
		return nil
	}
	reason := bytes.TrimSpace(payload[3:])
	return errors.New(string(reason))
}

// JoinFields joins a list of string fields with the '\b' separator, e.g.
// for a GETA/GETR column or row-key listing.
func JoinFields(fields []string) []byte {
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.WriteString(f)
	}
	return buf.Bytes()
}
