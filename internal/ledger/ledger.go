// Package ledger implements the per-entity status ledger: an append-only,
// idempotent history of transition records stored as one hash field per
// stage (status, preOpen, endMeeting, owner_infoMailSent, ...). The latest
// record in a field's sequence is the effective state for that stage.
package ledger

import (
	"encoding/json"
	"fmt"
)

// Disabled is the sentinel code meaning "skip processing entirely".
const Disabled = "900"

// Known status transition codes.
const (
	CodeNew                = "200"
	CodeWaiting            = "201"
	CodeStartedNoUsers     = "210"
	CodeStartedUsersJoined = "220"
	CodeMailSent           = "250"
	CodeBadRequest         = "400"
	CodeUnauthorized       = "401"
	CodeNotFound           = "404"
	CodeStageFailedA       = "420"
	CodeStageFailedB       = "440"
	CodeTerminalFailure    = "550"
	CodeFinishedAndClosed  = "220" // reuses 220: "has finished and was closed"
)

// Transition is one entry in a field's append-only history.
type Transition struct {
	Timestamp int64  `json:"ts"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// History is the ordered sequence of transitions for one ledger field.
// The last element is the effective state.
type History []Transition

// Effective returns the current code/message, or ("", "", false) if the
// field has never been written.
func (h History) Effective() (code, message string, ok bool) {
	if len(h) == 0 {
		return "", "", false
	}
	last := h[len(h)-1]
	return last.Code, last.Message, true
}

// DecodeHistory parses a hash field's encoded value. An empty string
// decodes to an empty History (field never written).
func DecodeHistory(encoded string) (History, error) {
	if encoded == "" {
		return History{}, nil
	}
	var h History
	if err := json.Unmarshal([]byte(encoded), &h); err != nil {
		return nil, fmt.Errorf("decode ledger history: %w", err)
	}
	return h, nil
}

// EncodeHistory serializes a History back to its stored string form.
func EncodeHistory(h History) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode ledger history: %w", err)
	}
	return string(b), nil
}

// Append adds a transition unless its code equals the current effective
// code, per the "skip if code unchanged" idempotency rule. now is the
// tick's sampled wall clock. Returns the possibly-unmodified history and
// whether a write actually occurred.
func Append(h History, now int64, code, message string) (History, bool) {
	if curCode, _, ok := h.Effective(); ok && curCode == code {
		return h, false
	}
	return append(h, Transition{Timestamp: now, Code: code, Message: message}), true
}

// IsDisabled reports whether a field's effective code is the disabled
// sentinel (900): no external action is taken for this entity this tick.
func IsDisabled(h History) bool {
	code, _, ok := h.Effective()
	return ok && code == Disabled
}
