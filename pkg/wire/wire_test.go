package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := BuildCommand("PUTV", []byte("row1"), []byte("col1"), []byte("value-bytes"))
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestParseMessage(t *testing.T) {
	payload := BuildCommand("GETV", []byte("apple"), []byte("c"))
	msg, err := ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "GETV", msg.Command)
	require.Len(t, msg.Args, 2)
	assert.Equal(t, "apple", string(msg.Args[0]))
	assert.Equal(t, "c", string(msg.Args[1]))
}

func TestParseMessageLowercaseCommand(t *testing.T) {
	payload := []byte("putv\brow\bcol\bval")
	msg, err := ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "PUTV", msg.Command)
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage([]byte("ab"))
	assert.Error(t, err)

	_, err = ParseMessage([]byte("GETVrow")) // missing separator
	assert.Error(t, err)
}

func TestSplitNPreservesBinaryLastField(t *testing.T) {
	// CPUT ordering: row \b col \b <binary containing \b> split into 3 parts
	// where the value blob may contain raw \b bytes.
	raw := []byte("apple\bc\bval\bwith\bembedded\bseparators")
	fields, err := SplitN(raw, 3)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "apple", string(fields[0]))
	assert.Equal(t, "c", string(fields[1]))
	assert.Equal(t, "val\bwith\bembedded\bseparators", string(fields[2]))
}

func TestSplitNNotEnoughFields(t *testing.T) {
	_, err := SplitN([]byte("onlyone"), 3)
	assert.Error(t, err)
}

func TestOKAndER(t *testing.T) {
	ok := OK([]byte("some-value"))
	rest, isOK := IsOK(ok)
	assert.True(t, isOK)
	assert.Equal(t, "some-value", string(rest))

	er := ER("ROW_MISSING")
	assert.Nil(t, func() []byte { r, ok := IsOK(er); _ = ok; return r }())
	err := ErrFromReply(er)
	require.Error(t, err)
	assert.Equal(t, "ROW_MISSING", err.Error())
}

func TestJoinFields(t *testing.T) {
	joined := JoinFields([]string{"apricot", "banana", "cherry"})
	assert.Equal(t, "apricot\bbanana\bcherry", string(joined))
}
