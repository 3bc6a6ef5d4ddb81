package ipc

import (
	"bytes"
	"encoding/binary"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	health := 14.5
	header := &Header{
		Width:      2,
		Height:     1,
		Health:     &health,
		Events:     []string{"EVENT:HIT:alice:bob", "EVENT:DEATH:bob:alice"},
		PlayerName: "alice",
		AgentID:    2,
		Teams:      map[string]string{"carol": RelationTeam, "bob": RelationEnemy},
		CmdType:    "MAP",
		CmdData:    "alice,2",
	}
	body := []byte{1, 2, 3, 250, 251, 252}

	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, header, body))
	// Two frames in a row, the second without body.
	require.NoError(t, WriteFrame(buf, &Header{Width: 0, Height: 0}, nil))

	frame, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.False(t, frame.MalformedHeader)
	assert.Equal(t, *header, frame.Header)
	assert.Equal(t, len(body), frame.Header.BodyLength)
	assert.Equal(t, body, frame.Body)
	cmd, found := frame.Header.Command()
	require.True(t, found)
	assert.Equal(t, Command{Type: CommandMap, Data: "alice,2"}, cmd)

	frame, err = ReadFrame(buf)
	require.NoError(t, err)
	assert.Nil(t, frame.Header.Health)
	assert.Empty(t, frame.Body)
	_, found = frame.Header.Command()
	assert.False(t, found)

	_, err = ReadFrame(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestReadFrameShortReads(t *testing.T) {
	full := &bytes.Buffer{}
	require.NoError(t, WriteFrame(full, &Header{Width: 1, Height: 1}, []byte{1, 2, 3}))
	data := full.Bytes()
	// Truncated at every possible position: in the length, in the header and in the body.
	for cut := 1; cut < len(data); cut++ {
		_, err := ReadFrame(bytes.NewReader(data[:cut]))
		require.Errorf(t, err, "cut at %d", cut)
		assert.Truef(t, errors.Is(err, ErrConnectionClosed), "cut at %d: %v", cut, err)
	}
}

func TestReadFrameMalformedHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	headerBytes := []byte(`{"width": 2, "events": [`)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(headerBytes)))
	buf.Write(headerBytes)
	require.NoError(t, WriteFrame(buf, &Header{Width: 3}, []byte{7, 7, 7}))

	frame, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.True(t, frame.MalformedHeader)
	assert.Equal(t, Header{}, frame.Header)
	assert.Empty(t, frame.Body)

	// The stream is still in sync.
	frame, err = ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, frame.Header.Width)
	assert.Equal(t, []byte{7, 7, 7}, frame.Body)
}

func TestReadFrameMalformedHeaderWithBody(t *testing.T) {
	buf := &bytes.Buffer{}
	writeRawFrame := func(header string, body []byte) {
		_ = binary.Write(buf, binary.BigEndian, uint32(len(header)))
		buf.WriteString(header)
		buf.Write(body)
	}
	// Wrong type of a field: the declared body is still skipped.
	writeRawFrame(`{"width":1,"height":1,"bodyLength":3,"health":"twenty"}`, []byte{9, 9, 9})
	// Syntax error: the body length is recovered from the raw header.
	writeRawFrame(`{"width":1,"height":1,"bodyLength": 6,"events":[`, []byte{8, 8, 8, 8, 8, 8})
	require.NoError(t, WriteFrame(buf, &Header{Width: 1, Height: 1}, []byte{7, 7, 7}))

	for range 2 {
		frame, err := ReadFrame(buf)
		require.NoError(t, err)
		assert.True(t, frame.MalformedHeader)
		assert.Equal(t, Header{}, frame.Header)
		assert.Empty(t, frame.Body)
	}
	frame, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.False(t, frame.MalformedHeader)
	assert.Equal(t, 1, frame.Header.Width)
	assert.Equal(t, []byte{7, 7, 7}, frame.Body)
	assert.Zero(t, buf.Len())

	// The body length is there but can't be read: the stream can't be resynchronized.
	buf.Reset()
	writeRawFrame(`{"bodyLength":"3"}`, []byte{9, 9, 9})
	_, err = ReadFrame(buf)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestReadFrameInvalidLengths(t *testing.T) {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, uint32(MaxHeaderLength+1))
	_, err := ReadFrame(buf)
	assert.True(t, errors.Is(err, ErrConnectionClosed))

	buf.Reset()
	headerBytes := []byte(`{"bodyLength": -5}`)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(headerBytes)))
	buf.Write(headerBytes)
	_, err = ReadFrame(buf)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}
