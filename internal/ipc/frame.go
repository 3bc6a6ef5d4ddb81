// Package ipc implements the socket protocol spoken with the game client.
//
// Observation frames (game -> trainer) are framed as:
//
//	4 bytes big-endian header length | JSON header | header.bodyLength raw bytes (RGB24 image)
//
// Action replies (trainer -> game) are a 2 bytes big-endian length followed by a JSON object, and
// control commands are a 4 bytes big-endian length followed by a JSON {"type", "data"} object.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"regexp"
	"strconv"
)

// Limits on the declared sizes, so a corrupted stream doesn't allocate unbounded memory.
const (
	MaxHeaderLength = 1 << 20
	MaxBodyLength   = 64 << 20
)

var (
	// ErrConnectionClosed is returned when the peer closes the connection, including in the middle
	// of a message, or when the stream is corrupted (declared sizes that can't be honored).
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPayloadTooLarge is returned when an action payload doesn't fit the 2 bytes length prefix.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Team relations in Header.Teams.
const (
	RelationTeam  = "team"
	RelationEnemy = "enemy"
)

// Header of an observation frame.
type Header struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	BodyLength int `json:"bodyLength"`

	// Health of the player, nil if the client didn't send it.
	Health *float64 `json:"health,omitempty"`

	// Events in the form "EVENT:<TYPE>:<arg>:<arg>...".
	Events []string `json:"events,omitempty"`

	PlayerName string `json:"player_name,omitempty"`
	AgentID    int    `json:"agent_id,omitempty"`

	// Teams maps player names to their relation to this player, e.g. RelationTeam.
	Teams map[string]string `json:"teams,omitempty"`

	// Inline command, optionally injected by the client.
	CmdType string `json:"cmd_type,omitempty"`
	CmdData string `json:"cmd_data,omitempty"`
}

// Command returns the inline command of the header, if there is one.
func (h *Header) Command() (cmd Command, found bool) {
	if h.CmdType == "" {
		return Command{}, false
	}
	return Command{Type: CommandType(h.CmdType), Data: h.CmdData}, true
}

// Frame is one decoded observation frame.
type Frame struct {
	Header Header
	Body   []byte

	// MalformedHeader is set if the header failed to decode: Header is then empty.
	MalformedHeader bool
}

// readExact reads exactly len(buf) bytes from r. End of stream, even in the middle of buf, is
// reported as ErrConnectionClosed. Context cancellation errors are returned as is.
func readExact(r io.Reader, buf []byte, what string) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if isContextError(err) {
		return err
	}
	return errors.WithMessagef(ErrConnectionClosed, "reading %s (%d bytes): %v", what, len(buf), err)
}

// ReadFrame reads one observation frame from r.
//
// A header that fails to decode is treated as an empty header, and the frame is returned with
// MalformedHeader set and no body. The declared body is still consumed from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lengthBuf [4]byte
	if err := readExact(r, lengthBuf[:], "header length"); err != nil {
		return nil, err
	}
	headerLength := binary.BigEndian.Uint32(lengthBuf[:])
	if headerLength > MaxHeaderLength {
		return nil, errors.WithMessagef(ErrConnectionClosed, "header length %d > %d", headerLength, MaxHeaderLength)
	}
	headerBytes := make([]byte, headerLength)
	if err := readExact(r, headerBytes, "header"); err != nil {
		return nil, err
	}

	frame := &Frame{}
	bodyLength := 0
	if err := json.Unmarshal(headerBytes, &frame.Header); err != nil {
		klog.Warningf("ipc: malformed frame header (%d bytes), using an empty header: %v", headerLength, err)
		frame.Header = Header{}
		frame.MalformedHeader = true
		if bodyLength, err = malformedBodyLength(headerBytes); err != nil {
			return nil, err
		}
	} else {
		bodyLength = frame.Header.BodyLength
	}
	if bodyLength < 0 || bodyLength > MaxBodyLength {
		return nil, errors.WithMessagef(ErrConnectionClosed, "invalid body length %d", bodyLength)
	}
	body := make([]byte, bodyLength)
	if err := readExact(r, body, "body"); err != nil {
		return nil, err
	}
	if !frame.MalformedHeader {
		frame.Body = body
	}
	return frame, nil
}

var bodyLengthRegexp = regexp.MustCompile(`"bodyLength"\s*:\s*(-?\d+)`)

// malformedBodyLength recovers the declared body length of a header that failed to decode, so the
// body can be skipped. A header that doesn't mention "bodyLength" has no body. If the length is
// there but can't be read, the stream is out of sync and ErrConnectionClosed is returned.
func malformedBodyLength(headerBytes []byte) (int, error) {
	var partial struct {
		BodyLength *int `json:"bodyLength"`
	}
	if err := json.Unmarshal(headerBytes, &partial); err == nil {
		if partial.BodyLength == nil {
			return 0, nil
		}
		return *partial.BodyLength, nil
	}
	if match := bodyLengthRegexp.FindSubmatch(headerBytes); match != nil {
		if length, err := strconv.Atoi(string(match[1])); err == nil {
			return length, nil
		}
	} else if !bytes.Contains(headerBytes, []byte(`"bodyLength"`)) {
		return 0, nil
	}
	return 0, errors.WithMessagef(ErrConnectionClosed, "can't recover the body length of a malformed header")
}

// WriteFrame writes an observation frame: it's what the game client does, used by tests and simulators.
// header.BodyLength is set to len(body).
func WriteFrame(w io.Writer, header *Header, body []byte) error {
	header.BodyLength = len(body)
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "failed to encode frame header")
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(headerBytes)+len(body)))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(headerBytes)))
	buf.Write(headerBytes)
	buf.Write(body)
	if _, err = w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write frame")
	}
	return nil
}
