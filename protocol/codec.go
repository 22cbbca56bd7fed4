package protocol

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// ErrMalformed marks a frame that could not be decoded or misses required fields.
var ErrMalformed = eris.New("malformed event")

// Decode parses a raw frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, eris.Wrapf(ErrMalformed, "invalid envelope: %v", err)
	}
	if env.Event == "" {
		return Envelope{}, eris.Wrap(ErrMalformed, "missing event name")
	}
	return env, nil
}

// Encode serializes an outbound message into a wire frame.
func Encode(msg ServerMsg) ([]byte, error) {
	var data json.RawMessage
	if msg.Data != nil {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to marshal %s payload", msg.Event)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: msg.Event, Data: data})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to marshal %s envelope", msg.Event)
	}
	return frame, nil
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return eris.Wrapf(ErrMalformed, "%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return eris.Wrapf(ErrMalformed, "%s: %v", env.Event, err)
	}
	return nil
}

func (env Envelope) FindOpponent() (FindOpponentMsg, error) {
	var m FindOpponentMsg
	if err := unmarshal(env, &m); err != nil {
		return m, err
	}
	m.DisplayName = strings.TrimSpace(m.DisplayName)
	if m.DisplayName == "" {
		return m, eris.Wrap(ErrMalformed, "find-opponent: displayName is required")
	}
	return m, nil
}

func (env Envelope) StateUpdate() (StateUpdateMsg, error) {
	var m StateUpdateMsg
	if err := unmarshal(env, &m); err != nil {
		return m, err
	}
	if m.SessionID == "" {
		return m, eris.Wrap(ErrMalformed, "state-update: sessionId is required")
	}
	if len(m.Payload) == 0 {
		return m, eris.Wrap(ErrMalformed, "state-update: payload is required")
	}
	return m, nil
}

func (env Envelope) Finish() (FinishMsg, error) {
	var m FinishMsg
	if err := unmarshal(env, &m); err != nil {
		return m, err
	}
	if m.SessionID == "" {
		return m, eris.Wrap(ErrMalformed, "finish: sessionId is required")
	}
	if m.Score == nil {
		return m, eris.Wrap(ErrMalformed, "finish: score is required")
	}
	return m, nil
}
