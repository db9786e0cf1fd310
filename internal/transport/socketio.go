package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/san-kum/pidtune/internal/episode"
)

const (
	eventPrefix    = "42"
	telemetryEvent = "telemetry"
)

// ManualReply hands control back to the simulator's driver.
const ManualReply = `42["manual",{}]`

var ErrMalformedMessage = errors.New("transport: malformed message")

type MessageKind int

const (
	// Ignored messages get no reply.
	Ignored MessageKind = iota
	// Manual messages are events without data.
	Manual
	Telemetry
)

type Message struct {
	Kind  MessageKind
	Event string
	CTE   float64
	Speed float64
}

// payload extracts the bracketed event array. Messages mentioning null
// carry no usable data.
func payload(s string) string {
	if strings.Contains(s, "null") {
		return ""
	}
	b1 := strings.IndexByte(s, '[')
	b2 := strings.LastIndexByte(s, ']')
	if b1 < 0 || b2 < b1 {
		return ""
	}
	return s[b1 : b2+1]
}

// telemetryNumber accepts both quoted and bare numbers.
type telemetryNumber float64

func (n *telemetryNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	*n = telemetryNumber(v)
	return nil
}

type telemetryData struct {
	CTE   *telemetryNumber `json:"cte"`
	Speed *telemetryNumber `json:"speed"`
}

// Decode classifies one simulator frame.
func Decode(msg string) (Message, error) {
	if len(msg) <= len(eventPrefix) || !strings.HasPrefix(msg, eventPrefix) {
		return Message{Kind: Ignored}, nil
	}
	body := payload(msg)
	if body == "" {
		return Message{Kind: Manual}, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("%w: empty event", ErrMalformedMessage)
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return Message{}, fmt.Errorf("%w: event name: %v", ErrMalformedMessage, err)
	}
	if event != telemetryEvent {
		return Message{Kind: Ignored, Event: event}, nil
	}
	if len(parts) < 2 {
		return Message{}, fmt.Errorf("%w: telemetry without data", ErrMalformedMessage)
	}

	var data telemetryData
	if err := json.Unmarshal(parts[1], &data); err != nil {
		return Message{}, fmt.Errorf("%w: telemetry: %v", ErrMalformedMessage, err)
	}
	if data.CTE == nil || data.Speed == nil {
		return Message{}, fmt.Errorf("%w: telemetry needs cte and speed", ErrMalformedMessage)
	}
	return Message{
		Kind:  Telemetry,
		Event: event,
		CTE:   float64(*data.CTE),
		Speed: float64(*data.Speed),
	}, nil
}

type steerData struct {
	SteeringAngle float64 `json:"steering_angle"`
	Throttle      float64 `json:"throttle"`
}

// EncodeSteer builds the steer event answering a telemetry frame.
func EncodeSteer(cmd episode.Command) (string, error) {
	b, err := json.Marshal(steerData{SteeringAngle: cmd.Steering, Throttle: cmd.Throttle})
	if err != nil {
		return "", err
	}
	return eventPrefix + `["steer",` + string(b) + "]", nil
}
