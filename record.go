package pushstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Notification Records
// ============================================================================

// ReadStatus is the normalised read flag of a record: "0" unread, "1" read.
type ReadStatus string

const (
	Unread ReadStatus = "0"
	Read   ReadStatus = "1"
)

// UnmarshalJSON accepts booleans, numbers and strings. Unrecognised values
// decode as Unread.
func (r *ReadStatus) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	flag, _ := normalizeReadFlag(v)
	*r = flag
	return nil
}

// normalizeReadFlag maps the read flag encodings seen on the wire onto a
// ReadStatus. ok is false when v is not a recognised encoding, in which case
// Unread is returned.
func normalizeReadFlag(v any) (ReadStatus, bool) {
	switch x := v.(type) {
	case ReadStatus:
		return normalizeReadFlag(string(x))
	case string:
		switch strings.TrimSpace(x) {
		case "0":
			return Unread, true
		case "1":
			return Read, true
		}
	case bool:
		if x {
			return Read, true
		}
		return Unread, true
	case json.Number:
		return normalizeReadFlag(x.String())
	case float64:
		switch x {
		case 0:
			return Unread, true
		case 1:
			return Read, true
		}
	case int:
		return normalizeReadFlag(float64(x))
	case int64:
		return normalizeReadFlag(float64(x))
	}
	return Unread, false
}

// ID is a record identifier. Servers send ids as numbers or strings; both
// are kept as their canonical text.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// idText returns the canonical text of an id value, or "" when absent.
func idText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case ID:
		return string(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// Record is one pushed notification as a JSON object. Its identity lives in
// a channel-specific field.
type Record map[string]any

// DecodeRecord parses a JSON object into a Record. Numbers are kept as
// json.Number so ids keep their textual form. It reports false for
// anything other than an object.
func DecodeRecord(raw json.RawMessage) (Record, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil || r == nil {
		return nil, false
	}
	return r, true
}

// ID returns the canonical id stored under field, or "" when absent.
func (r Record) ID(field string) string {
	return idText(r[field])
}

// ReadFlag returns the record's normalised read flag.
func (r Record) ReadFlag() ReadStatus {
	flag, _ := normalizeReadFlag(r["readFlag"])
	return flag
}

// clone returns a shallow copy.
func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// merge returns a copy of r with every field of update applied on top.
func (r Record) merge(update Record) Record {
	out := r.clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Decode converts the record into a typed view such as UserMessage.
func (r Record) Decode(v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// UserMessage is the typed view of a system message record.
type UserMessage struct {
	MessageID    ID         `json:"messageId"`
	Title        string     `json:"title"`
	Content      string     `json:"content,omitempty"`
	BizType      string     `json:"bizType"`
	BizID        ID         `json:"bizId"`
	ReadFlag     ReadStatus `json:"readFlag"`
	ReadTime     string     `json:"readTime,omitempty"`
	CreateBy     string     `json:"createBy,omitempty"`
	CreateByName string     `json:"createByName,omitempty"`
	CreateTime   string     `json:"createTime,omitempty"`
}

// UserNotice is the typed view of an announcement record.
type UserNotice struct {
	NoticeID     ID         `json:"noticeId"`
	NoticeTitle  string     `json:"noticeTitle"`
	NoticeType   string     `json:"noticeType"`
	Status       string     `json:"status"`
	CreateBy     string     `json:"createBy,omitempty"`
	CreateByName string     `json:"createByName,omitempty"`
	CreateTime   string     `json:"createTime,omitempty"`
	ReadTime     string     `json:"readTime,omitempty"`
	ReadFlag     ReadStatus `json:"readFlag"`
}
