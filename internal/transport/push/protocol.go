package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"livetimeline/internal/timeline"
)

// Event names on the wire.
const (
	EventTimelineData = "timeline:data"
	EventError        = "error"

	EventStartItem    = "admin:start_item"
	EventEndItem      = "admin:end_item"
	EventDelayItem    = "admin:delay_item"
	EventUpdateRemark = "admin:update_remark"
	EventResetItem    = "admin:reset_item"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("bad payload")
)

// Envelope is one frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of an "error" frame. It is sent to the
// originating client only.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type itemRef struct {
	ID string `json:"id"`
}

type delayPayload struct {
	ID           string          `json:"id"`
	DelayMinutes json.RawMessage `json:"delayMinutes"`
}

// minutes reads delayMinutes as a number or numeric string. Anything else
// counts as zero; the value never fails a delay.
func (p delayPayload) minutes() int {
	raw := bytes.TrimSpace(p.DelayMinutes)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		raw = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}

type remarkPayload struct {
	ID     string `json:"id"`
	Remark string `json:"remark"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func encodeTimeline(tl timeline.Timeline) ([]byte, error) {
	if tl == nil {
		tl = timeline.Timeline{}
	}
	return encodeFrame(EventTimelineData, tl)
}

// decodeCommand maps an inbound admin event to a timeline command.
func decodeCommand(env Envelope) (timeline.Command, error) {
	switch env.Event {
	case EventStartItem, EventEndItem, EventResetItem:
		id, err := decodeID(env.Data)
		if err != nil {
			return timeline.Command{}, err
		}
		switch env.Event {
		case EventStartItem:
			return timeline.Start(id), nil
		case EventEndItem:
			return timeline.End(id), nil
		default:
			return timeline.Reset(id), nil
		}
	case EventDelayItem:
		var p delayPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return timeline.Command{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return timeline.Delay(strings.TrimSpace(p.ID), p.minutes()), nil
	case EventUpdateRemark:
		var p remarkPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return timeline.Command{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return timeline.UpdateRemark(p.ID, p.Remark), nil
	}
	return timeline.Command{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// decodeID accepts a bare JSON string or {"id": "..."}.
func decodeID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: id required", ErrBadPayload)
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return strings.TrimSpace(id), nil
	}
	var ref itemRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return strings.TrimSpace(ref.ID), nil
}

// errorCode classifies a command error for clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, timeline.ErrUnknownCommand):
		return "unknown_event"
	case errors.Is(err, ErrBadPayload), errors.Is(err, timeline.ErrInvalidCommand):
		return "bad_request"
	case errors.Is(err, errUnauthorized):
		return "unauthorized"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
