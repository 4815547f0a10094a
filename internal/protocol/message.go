// Package protocol decodes the telemetry wire format and normalizes its
// loosely-typed records into the canonical telemetry model.
package protocol

import (
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"github.com/tidwall/gjson"
)

// MessageType is the envelope discriminator carried in the "type" field.
type MessageType string

const (
	TypeConnected   MessageType = "connected"
	TypeFireUpdate  MessageType = "fire_update"
	TypeSensorData  MessageType = "sensor_data"
	TypeSoundUpdate MessageType = "sound_update"
	TypeAlert       MessageType = "alert"
	TypeHeartbeat   MessageType = "heartbeat"
	TypePong        MessageType = "pong"
)

// Message is one decoded wire record. Field access is tolerant: absent,
// null and mistyped values are reported as missing.
type Message struct {
	Type MessageType
	root gjson.Result
}

// Decode parses a single wire message. Anything other than a JSON object is
// rejected with ErrMalformedMessage.
func Decode(raw []byte) (Message, error) {
	errFactory := errors.New()

	if !gjson.ValidBytes(raw) {
		return Message{}, errFactory.WithData(ErrMalformedMessage, truncate(raw))
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, errFactory.Wrap(ErrMalformedMessage, errFactory.WithData(ErrNotAnObject, truncate(raw)))
	}

	return Message{
		Type: MessageType(root.Get("type").String()),
		root: root,
	}, nil
}

func truncate(raw []byte) string {
	const maxLen = 120
	if len(raw) > maxLen {
		return string(raw[:maxLen]) + "..."
	}
	return string(raw)
}

// ClientID returns the session identifier of a connected message.
func (m Message) ClientID() (string, bool) {
	return m.text("clientId", "client_id")
}

func (m Message) lookup(keys ...string) (gjson.Result, bool) {
	for _, k := range keys {
		r := m.root.Get(k)
		if r.Exists() && r.Type != gjson.Null {
			return r, true
		}
	}
	return gjson.Result{}, false
}

func (m Message) number(keys ...string) (float64, bool) {
	r, ok := m.lookup(keys...)
	if !ok {
		return 0, false
	}

	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (m Message) boolean(keys ...string) (bool, bool) {
	r, ok := m.lookup(keys...)
	if !ok {
		return false, false
	}

	switch r.Type {
	case gjson.True, gjson.False:
		return r.Bool(), true
	case gjson.Number:
		return r.Num != 0, true
	case gjson.String:
		b, err := strconv.ParseBool(r.Str)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

func (m Message) text(keys ...string) (string, bool) {
	r, ok := m.lookup(keys...)
	if !ok {
		return "", false
	}

	switch r.Type {
	case gjson.String:
		if r.Str == "" {
			return "", false
		}
		return r.Str, true
	case gjson.Number:
		return r.Raw, true
	default:
		return "", false
	}
}

// epochSecondsLimit separates second from millisecond epoch values. 1e11
// seconds lies in the year 5138 while 1e11 milliseconds is March 1973.
const epochSecondsLimit = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (m Message) timestamp(keys ...string) (time.Time, bool) {
	r, ok := m.lookup(keys...)
	if !ok {
		return time.Time{}, false
	}

	switch r.Type {
	case gjson.Number:
		return fromEpoch(r.Num)
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, true
			}
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(v)
		}
	}
	return time.Time{}, false
}

func fromEpoch(v float64) (time.Time, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return time.Time{}, false
	}
	if v < epochSecondsLimit {
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	if v > math.MaxInt64/1e6 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(v)).UTC(), true
}
