package realtime

import (
	"encoding/base64"
	"encoding/json"
)

// Event types of the voice protocol.
const (
	EventAudioAppend     = "input_audio_buffer.append"
	EventAgentStep       = "agent.step"
	EventTranscriptDelta = "response.audio_transcript.delta"
	EventTranscriptDone  = "response.audio_transcript.done"
	EventResponseCreated = "response.created"
	EventAgentResponse   = "agent.response"
	EventError           = "error"
)

// Event is a discriminated union for inbound control events.
// Check the concrete type via type switch.
type Event interface {
	eventType() string
}

// TypeOf returns the wire type tag of e.
func TypeOf(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

// StepEvent reports progress of an external integration.
type StepEvent struct {
	Key  string `json:"key"`
	Step string `json:"step"`

	// KeyMissing is set when the frame carried no key, or a null one. An
	// explicit "" still names the integration registered under "".
	KeyMissing bool `json:"-"`
}

func (e *StepEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key  *string `json:"key"`
		Step string  `json:"step"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = StepEvent{Step: raw.Step, KeyMissing: raw.Key == nil}
	if raw.Key != nil {
		e.Key = *raw.Key
	}
	return nil
}

func (StepEvent) eventType() string { return EventAgentStep }

// TranscriptDeltaEvent carries a streamed fragment of assistant text.
type TranscriptDeltaEvent struct {
	Delta string `json:"delta"`
}

func (TranscriptDeltaEvent) eventType() string { return EventTranscriptDelta }

// TranscriptDoneEvent closes the current assistant message.
type TranscriptDoneEvent struct{}

func (TranscriptDoneEvent) eventType() string { return EventTranscriptDone }

// ResponseCreatedEvent marks the start of a new assistant response.
type ResponseCreatedEvent struct {
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
}

func (ResponseCreatedEvent) eventType() string { return EventResponseCreated }

// AgentResponseEvent carries actions the agent wants the client to trigger.
type AgentResponseEvent struct {
	Payload struct {
		Actions []Action `json:"actions"`
	} `json:"payload"`
}

func (AgentResponseEvent) eventType() string { return EventAgentResponse }

// Action is one agent-requested side effect. Fields other than type are
// kept in Params.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"-"`
}

// UnmarshalJSON captures every field besides type into Params.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Params = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" {
			if s, ok := v.(string); ok {
				a.Type = s
			}
			continue
		}
		a.Params[k] = v
	}
	return nil
}

// MarshalJSON flattens Params back next to type.
func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["type"] = a.Type
	return json.Marshal(out)
}

// ErrorEvent is emitted when the backend reports a failure.
type ErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func (ErrorEvent) eventType() string { return EventError }

// UnknownEvent holds events we don't recognize.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// ParseEvent unmarshals JSON into the appropriate Event type.
func ParseEvent(data []byte) (Event, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}

	switch header.Type {
	case EventAgentStep:
		return decode[StepEvent](data)
	case EventTranscriptDelta:
		return decode[TranscriptDeltaEvent](data)
	case EventTranscriptDone:
		return TranscriptDoneEvent{}, nil
	case EventResponseCreated:
		return decode[ResponseCreatedEvent](data)
	case EventAgentResponse:
		return decode[AgentResponseEvent](data)
	case EventError:
		return decode[ErrorEvent](data)
	default:
		return UnknownEvent{Type: header.Type, Raw: data}, nil
	}
}

func decode[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Outbound Events
// ─────────────────────────────────────────────────────────────────────────────

// AudioAppendEvent streams one captured PCM16 frame to the backend.
type AudioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAudioAppend wraps little-endian PCM16 bytes in an append event.
func NewAudioAppend(pcm []byte) AudioAppendEvent {
	return AudioAppendEvent{
		Type:  EventAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

// PCM decodes the base64 payload.
func (e AudioAppendEvent) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Audio)
}
