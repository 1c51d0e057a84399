// Package progress decodes the line protocol emitted by stage programs on
// their standard output. Each line is either a JSON progress event, a JSON
// error event, or free text to be ignored.
package progress

import (
	"encoding/json"
	"strings"
)

// Event is one decoded protocol line. A line carries either progress fields
// (Step, Percent, Message) or an error report (Err), never both.
type Event struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Err     string `json:"error"`
}

// IsError reports whether the event is a stage-reported failure.
func (e Event) IsError() bool {
	return e.Err != ""
}

// Decode parses one stdout line as a protocol event.
// Lines that are not JSON objects, or that carry neither "step" nor "error",
// are not protocol data; Decode returns ok=false and the caller discards them.
// Malformed input must never fail the pipeline, so there is no error return.
func Decode(line []byte) (Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return Event{}, false
	}
	if ev.Step == "" && ev.Err == "" {
		return Event{}, false
	}
	return ev, true
}
