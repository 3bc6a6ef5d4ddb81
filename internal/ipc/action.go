package ipc

import (
	"encoding/binary"
	"encoding/json"
	"github.com/pkg/errors"
	"io"
	"math"
	"strings"
)

// ActionSet is a bitmask of the actions the game client understands.
type ActionSet uint16

const (
	ActionForward ActionSet = 1 << iota
	ActionLeft
	ActionBack
	ActionRight
	ActionJump
	ActionAttack
	ActionSwapOffhand
	ActionOpenInventory

	// ActionLook is the continuous yaw/pitch control.
	ActionLook
)

const (
	// AllActions enabled.
	AllActions = ActionForward | ActionLeft | ActionBack | ActionRight | ActionJump | ActionAttack |
		ActionSwapOffhand | ActionOpenInventory | ActionLook

	// DefaultActions are the ones enabled by default: movement, jump, attack and look.
	DefaultActions = ActionForward | ActionLeft | ActionBack | ActionRight | ActionJump | ActionAttack | ActionLook
)

// actionNames in the JSON payload, in bit order.
var actionNames = []string{"forward", "left", "back", "right", "jump", "attack", "swap_offhand", "open_inventory", "look"}

// MoveActions maps a discrete move index (the model's categorical output) to the key it presses.
var MoveActions = []ActionSet{
	ActionForward, ActionLeft, ActionBack, ActionRight, ActionJump, ActionAttack, ActionSwapOffhand, ActionOpenInventory,
}

// Has returns whether all actions in a are in s.
func (s ActionSet) Has(a ActionSet) bool { return s&a == a }

// String returns the names of the actions, separated by "|".
func (s ActionSet) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for ii, name := range actionNames {
		if s.Has(1 << ii) {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseActionSet parses a list of action names separated by "," or "|". "all" enables every action.
func ParseActionSet(names string) (ActionSet, error) {
	var s ActionSet
	for _, name := range strings.FieldsFunc(names, func(r rune) bool { return r == ',' || r == '|' }) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			s |= AllActions
			continue
		}
		idx := -1
		for ii, known := range actionNames {
			if known == name {
				idx = ii
				break
			}
		}
		if idx < 0 {
			return 0, errors.Errorf("unknown action %q, valid actions are %q", name, actionNames)
		}
		s |= 1 << idx
	}
	return s, nil
}

// Action sent to the game client: the keys pressed and the look deltas.
type Action struct {
	Pressed    ActionSet
	Yaw, Pitch float64
}

// Encode the action as JSON, including only the enabled actions: one boolean per enabled discrete
// action, and "yaw"/"pitch" if ActionLook is enabled.
func (a Action) Encode(enabled ActionSet) ([]byte, error) {
	fields := make(map[string]any, len(actionNames)+1)
	for ii, name := range actionNames {
		flag := ActionSet(1 << ii)
		if flag == ActionLook || !enabled.Has(flag) {
			continue
		}
		fields[name] = a.Pressed.Has(flag)
	}
	if enabled.Has(ActionLook) {
		fields["yaw"] = a.Yaw
		fields["pitch"] = a.Pitch
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode action")
	}
	return payload, nil
}

// DecodeAction parses an action payload. It also returns the set of actions present in the payload.
func DecodeAction(payload []byte) (action Action, present ActionSet, err error) {
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(payload, &fields); err != nil {
		return action, 0, errors.Wrapf(err, "failed to decode action")
	}
	for ii, name := range actionNames {
		raw, found := fields[name]
		if !found {
			continue
		}
		var pressed bool
		if err = json.Unmarshal(raw, &pressed); err != nil {
			return action, 0, errors.Wrapf(err, "failed to decode action %q", name)
		}
		present |= 1 << ii
		if pressed {
			action.Pressed |= 1 << ii
		}
	}
	yaw, hasYaw := fields["yaw"]
	pitch, hasPitch := fields["pitch"]
	if hasYaw && hasPitch {
		if err = json.Unmarshal(yaw, &action.Yaw); err == nil {
			err = json.Unmarshal(pitch, &action.Pitch)
		}
		if err != nil {
			return action, 0, errors.Wrapf(err, "failed to decode look action")
		}
		present |= ActionLook
	}
	return
}

// WriteAction writes the payload prefixed by its 2 bytes big-endian length.
func WriteAction(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return errors.WithMessagef(ErrPayloadTooLarge, "action payload has %d bytes, max is %d", len(payload), math.MaxUint16)
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to write action")
	}
	return nil
}

// ReadAction reads one length-prefixed action payload: it's what the game client does.
func ReadAction(r io.Reader) ([]byte, error) {
	var lengthBuf [2]byte
	if err := readExact(r, lengthBuf[:], "action length"); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(lengthBuf[:]))
	if err := readExact(r, payload, "action"); err != nil {
		return nil, err
	}
	return payload, nil
}
