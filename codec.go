package pushstream

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// ============================================================================
// Events & Frames
// ============================================================================

// Event is the name of a pushed event. It travels as a plain string on the
// wire; known events have constants below.
type Event string

const (
	// EventHeartbeat is sent by the server to keep the stream alive. It is
	// decoded but never dispatched.
	EventHeartbeat Event = "heartbeat"
	// EventMessage carries a system message record.
	EventMessage Event = "message"
	// EventNotice carries an announcement record.
	EventNotice Event = "notice"
)

// Frame is one decoded {event, data} unit received over the stream.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HasData reports whether the frame carries a non-null payload.
func (f Frame) HasData() bool {
	d := bytes.TrimSpace(f.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// wireFrame keeps the event as a pointer so a missing event can be told
// apart from an empty one.
type wireFrame struct {
	Event *string         `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeFrame turns a raw inbound payload into a Frame. Accepted shapes are
// []byte (UTF-8 JSON), string, json.RawMessage, Frame, *Frame and
// map[string]any. It reports false for anything it cannot decode; callers
// drop such payloads.
func DecodeFrame(payload any) (Frame, bool) {
	switch p := payload.(type) {
	case nil:
		return Frame{}, false
	case []byte:
		if !utf8.Valid(p) {
			return Frame{}, false
		}
		return decodeFrameText(p)
	case json.RawMessage:
		return DecodeFrame([]byte(p))
	case string:
		return decodeFrameText([]byte(p))
	case Frame:
		return p, p.Event != ""
	case *Frame:
		if p == nil {
			return Frame{}, false
		}
		return *p, p.Event != ""
	case map[string]any:
		return decodeFrameMap(p)
	default:
		return Frame{}, false
	}
}

func decodeFrameText(text []byte) (Frame, bool) {
	var w wireFrame
	if err := json.Unmarshal(text, &w); err != nil {
		return Frame{}, false
	}
	if w.Event == nil {
		return Frame{}, false
	}
	return Frame{Event: Event(*w.Event), Data: w.Data}, true
}

func decodeFrameMap(m map[string]any) (Frame, bool) {
	event, ok := m["event"].(string)
	if !ok {
		return Frame{}, false
	}
	f := Frame{Event: Event(event)}
	if data, ok := m["data"]; ok && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, false
		}
		f.Data = raw
	}
	return f, true
}
