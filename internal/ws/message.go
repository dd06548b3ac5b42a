package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/themecast/internal/theme"
)

// MessageType discriminates WebSocket messages.
type MessageType string

// Client-to-server messages.
const (
	MessageGetInitialTheme     MessageType = "getInitialTheme"
	MessageUpdateThemeVariable MessageType = "updateThemeVariable"
	MessageUpdateFullTheme     MessageType = "updateFullTheme"
	MessageGetPresets          MessageType = "getPresets"
)

// Server-to-client messages.
const (
	MessageThemeUpdate         MessageType = "themeUpdate"
	MessageThemeVariableUpdate MessageType = "themeVariableUpdate"
	MessagePresets             MessageType = "presets"
)

// Message is the envelope for all outbound WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// Inbound is the envelope clients send. Data is decoded per Type.
type Inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// VariableUpdate is the payload of updateThemeVariable and
// themeVariableUpdate messages.
type VariableUpdate struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

var (
	errMissingVariable = errors.New("missing variable name")
	errMissingValue    = errors.New("missing value")
	errNotObject       = errors.New("theme must be a JSON object")
)

// decodeVariableUpdate requires a non-empty variable name and a value key.
// An explicit null value is accepted.
func decodeVariableUpdate(raw json.RawMessage) (VariableUpdate, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return VariableUpdate{}, errNotObject
	}

	var u VariableUpdate
	name, ok := fields["variable"]
	if !ok {
		return u, errMissingVariable
	}
	if err := json.Unmarshal(name, &u.Variable); err != nil {
		return u, fmt.Errorf("variable name: %w", err)
	}
	if u.Variable == "" {
		return u, errMissingVariable
	}

	value, ok := fields["value"]
	if !ok {
		return u, errMissingValue
	}
	if err := unmarshalNumbers(value, &u.Value); err != nil {
		return u, fmt.Errorf("value: %w", err)
	}
	return u, nil
}

// decodeFullTheme decodes an updateFullTheme payload, which must be an
// object. An empty object is a valid (empty) theme.
func decodeFullTheme(raw json.RawMessage) (theme.Theme, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	var t theme.Theme
	if err := unmarshalNumbers(trimmed, &t); err != nil {
		return nil, fmt.Errorf("decoding theme: %w", err)
	}
	return t, nil
}

// unmarshalNumbers decodes data keeping numbers as json.Number, so values
// are echoed to other clients exactly as they were sent.
func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
