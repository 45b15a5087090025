package device

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedModel = errors.New("device: unsupported model")
	ErrAbandoned        = errors.New("device: abandoned")
	ErrIdentityMismatch = errors.New("device: identity mismatch")
	ErrUnknownParameter = errors.New("device: unknown parameter")
	ErrNoConnection     = errors.New("device: no connection")
)

// NakError is a negative acknowledgement attributed to the last command
// sent to a device.
type NakError struct {
	Ctrl   string
	PGN    uint32
	Reason string
	Param  string
	Value  string
}

func (e *NakError) Error() string {
	return fmt.Sprintf("device: %s for pgn 0x%X (%s=%s): %s", e.Ctrl, e.PGN, e.Param, e.Value, e.Reason)
}

// Payload is the structured failure published on the bus.
func (e *NakError) Payload() []byte {
	b, _ := json.Marshal(struct {
		Param  string `json:"param"`
		Value  string `json:"value"`
		Reason string `json:"reason"`
	}{e.Param, e.Value, e.Reason})
	return b
}
