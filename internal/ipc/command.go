package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"github.com/pkg/errors"
	"io"
	"strconv"
	"strings"
)

// CommandType of a control command.
type CommandType string

const (
	CommandStart CommandType = "START"
	CommandStop  CommandType = "STOP"
	CommandReset CommandType = "RESET"

	// CommandMap data is "<player>,<agentId>".
	CommandMap CommandType = "MAP"

	// CommandHit data is "<attacker>,<victim>".
	CommandHit CommandType = "HIT"

	// CommandDeath data is "<victim>,<killer>".
	CommandDeath CommandType = "DEATH"

	// CommandTeam data is "ADD:<player>" or "REMOVE:<player>".
	CommandTeam CommandType = "TEAM"
)

// ErrInvalidCommand is returned for unknown command types or malformed command data.
var ErrInvalidCommand = errors.New("invalid command payload")

// Command is a control command, sent by the server side of the game.
type Command struct {
	Type CommandType `json:"type"`
	Data string      `json:"data"`
}

// pair splits data in the form "<a>,<b>".
func (c Command) pair() (first, second string, err error) {
	first, second, found := strings.Cut(c.Data, ",")
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if !found || first == "" || second == "" {
		return "", "", errors.WithMessagef(ErrInvalidCommand, "%s data %q, expected \"<name>,<name>\"", c.Type, c.Data)
	}
	return first, second, nil
}

// Map parses the data of a MAP command.
func (c Command) Map() (player string, agentID int, err error) {
	player, idStr, err := c.pair()
	if err != nil {
		return "", 0, err
	}
	agentID, err = strconv.Atoi(idStr)
	if err != nil || agentID < 0 {
		return "", 0, errors.WithMessagef(ErrInvalidCommand, "MAP agent id %q", idStr)
	}
	return player, agentID, nil
}

// Hit parses the data of a HIT command.
func (c Command) Hit() (attacker, victim string, err error) { return c.pair() }

// Death parses the data of a DEATH command.
func (c Command) Death() (victim, killer string, err error) { return c.pair() }

// Team parses the data of a TEAM command.
func (c Command) Team() (add bool, player string, err error) {
	op, player, found := strings.Cut(c.Data, ":")
	player = strings.TrimSpace(player)
	if !found || player == "" {
		return false, "", errors.WithMessagef(ErrInvalidCommand, "TEAM data %q", c.Data)
	}
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "ADD":
		return true, player, nil
	case "REMOVE":
		return false, player, nil
	}
	return false, "", errors.WithMessagef(ErrInvalidCommand, "TEAM operation %q", op)
}

// Validate checks the command type is known and its data well-formed.
func (c Command) Validate() (err error) {
	switch c.Type {
	case CommandStart, CommandStop, CommandReset:
		// Data is descriptive only.
	case CommandMap:
		_, _, err = c.Map()
	case CommandHit, CommandDeath:
		_, _, err = c.pair()
	case CommandTeam:
		_, _, err = c.Team()
	default:
		err = errors.WithMessagef(ErrInvalidCommand, "unknown command type %q", c.Type)
	}
	return
}

// ReadCommand reads one length-prefixed command. It doesn't validate it.
func ReadCommand(r io.Reader) (Command, error) {
	var cmd Command
	var lengthBuf [4]byte
	if err := readExact(r, lengthBuf[:], "command length"); err != nil {
		return cmd, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxHeaderLength {
		return cmd, errors.WithMessagef(ErrInvalidCommand, "command length %d > %d", length, MaxHeaderLength)
	}
	payload := make([]byte, length)
	if err := readExact(r, payload, "command"); err != nil {
		return cmd, err
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, errors.WithMessagef(ErrInvalidCommand, "decoding command: %v", err)
	}
	return cmd, nil
}

// WriteCommand writes one length-prefixed command.
func WriteCommand(w io.Writer, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to encode command")
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(payload)))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	if _, err = w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write command")
	}
	return nil
}
