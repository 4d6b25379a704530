package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	IPAddr string `json:"ip_addr"`
	Port   int    `json:"port"`
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, "PING", pingPayload{IPAddr: "10.0.0.5", Port: 51348}))

	env, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", env.Cmd)

	var p pingPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "10.0.0.5", p.IPAddr)
	assert.Equal(t, 51348, p.Port)
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0x7f, 0xff, 0xff, 0xff} // ~2GiB, over MaxFrameSize
	buf.Write(hdr)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameErrorsOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRaw(&buf, []byte(`{"cmd":"PING"}`)))
	truncated := buf.Bytes()[:len(buf.Bytes())-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestAuthPrefixRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAuthPrefix(&buf, "deadbeefcafef00d"))

	got, err := ReadAuthPrefix(&buf, len("deadbeefcafef00d"))
	require.NoError(t, err)
	assert.Equal(t, "deadbeefcafef00d", got)
}

func TestEnvelopeDecodeEmptyPayloadIsNoop(t *testing.T) {
	var env Envelope
	var p pingPayload
	assert.NoError(t, env.Decode(&p))
	assert.Zero(t, p)
}
