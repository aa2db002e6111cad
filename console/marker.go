package console

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Failure {
		return "E"
	}
	return "R"
}

// Marker is one reply line: $R$<id> <payload> or $E$<id> <payload>.
type Marker struct {
	ID      uint64
	Outcome Outcome
	Payload string
}

// markerPrefixes are the prompt redraw sequences accepted directly before a marker.
// Devices that emit other prefixes need them listed here.
var markerPrefixes = []string{"\r\x1b[J", "\x1b[J"}

// undefinedPayload is what the console prints for JSON.stringify(undefined).
const undefinedPayload = "undefined"

// ParseMarker matches a single complete line, without its CRLF terminator, against the marker grammar.
func ParseMarker(line string) (Marker, bool) {
	s := line
	for _, p := range markerPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}
	if len(s) < 3 || s[0] != '$' || s[2] != '$' {
		return Marker{}, false
	}
	var outcome Outcome
	switch s[1] {
	case 'R':
		outcome = Success
	case 'E':
		outcome = Failure
	default:
		return Marker{}, false
	}
	s = s[3:]

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) || s[i] != ' ' {
		return Marker{}, false
	}
	id, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return Marker{}, false
	}
	payload := s[i+1:]
	if payload == "" {
		return Marker{}, false
	}
	return Marker{ID: id, Outcome: outcome, Payload: payload}, true
}

// Decode turns the payload into the request's result.
// A success payload of "undefined" is a nil value; anything else must be JSON.
func (m Marker) Decode() (json.RawMessage, error) {
	if m.Outcome == Failure {
		var remote struct {
			Message string `json:"message"`
			Stack   string `json:"stack"`
		}
		if err := json.Unmarshal([]byte(m.Payload), &remote); err != nil {
			return nil, &ProtocolError{ID: m.ID, Payload: m.Payload, Err: err}
		}
		return nil, &RemoteError{ID: m.ID, Message: remote.Message, Stack: remote.Stack}
	}

	if m.Payload == undefinedPayload {
		return nil, nil
	}
	b := []byte(m.Payload)
	if !json.Valid(b) {
		var v any
		err := json.Unmarshal(b, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return nil, &ProtocolError{ID: m.ID, Payload: m.Payload, Err: err}
	}
	return json.RawMessage(b), nil
}
