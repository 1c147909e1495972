// Package sse decodes and encodes server-sent event streams.
package sse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// DefaultEvent is used when a block carries no event field
const DefaultEvent = "message"

// Event is a single decoded server-sent event.
// Data holds parsed JSON when the payload is valid JSON, the raw string
// otherwise, and nil when the block carried no data.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Decoder turns an arbitrarily chunked byte stream into events.
// CRLF and lone CR line endings are normalized to LF, including when the
// pair is split across chunks.
type Decoder struct {
	buf       []byte
	pendingCR bool
}

// Feed appends chunk and returns every event completed by it
func (d *Decoder) Feed(chunk []byte) []Event {
	for _, b := range chunk {
		if d.pendingCR {
			d.pendingCR = false
			d.buf = append(d.buf, '\n')
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			d.pendingCR = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	return d.drain()
}

// Flush returns remaining complete events plus any trailing partial block
func (d *Decoder) Flush() []Event {
	if d.pendingCR {
		d.pendingCR = false
		d.buf = append(d.buf, '\n')
	}
	events := d.drain()
	if rest := d.buf; len(bytes.TrimSpace(rest)) > 0 {
		if ev, ok := parseBlock(string(rest)); ok {
			events = append(events, ev)
		}
	}
	d.buf = d.buf[:0]
	return events
}

func (d *Decoder) drain() []Event {
	var events []Event
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := string(d.buf[:idx])
		d.buf = d.buf[idx+2:]
		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}
	return events
}

func parseBlock(block string) (Event, bool) {
	if strings.TrimSpace(block) == "" {
		return Event{}, false
	}

	ev := Event{Event: DefaultEvent}
	var data []string
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimLeft(value, " \t")
		}
		switch strings.TrimSpace(field) {
		case "event":
			if value != "" {
				ev.Event = value
			}
		case "data":
			data = append(data, value)
		}
	}

	if len(data) == 0 {
		return ev, true
	}
	raw := strings.Join(data, "\n")
	if raw == "" {
		return ev, true
	}
	if parsed, err := jsonvalue.Decode([]byte(raw)); err == nil {
		ev.Data = parsed
	} else {
		ev.Data = raw
	}
	return ev, true
}

// ReadAll decodes r until EOF
func ReadAll(r io.Reader) ([]Event, error) {
	var (
		dec    Decoder
		events = []Event{}
		buf    = make([]byte, 32*1024)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events = append(events, dec.Feed(buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return append(events, dec.Flush()...), err
		}
	}
	return append(events, dec.Flush()...), nil
}

// EncodeEvent writes ev in wire format. String data is written verbatim,
// anything else is encoded as JSON. Multi-line data spans several data lines.
//
// The round trip through the decoder is not type preserving for strings
// that are themselves valid JSON: Data "42" decodes back as json.Number("42")
// and Data `{"k":1}` as an object. Stored streams and replayed backends go
// through the same decoder, so comparisons stay consistent.
func EncodeEvent(w io.Writer, ev Event) error {
	var b strings.Builder
	name := ev.Event
	if name == "" {
		name = DefaultEvent
	}
	fmt.Fprintf(&b, "event: %s\n", name)

	if ev.Data != nil {
		var payload string
		if s, ok := ev.Data.(string); ok {
			payload = s
		} else {
			data, err := jsonvalue.Marshal(ev.Data)
			if err != nil {
				return fmt.Errorf("encode event data: %w", err)
			}
			payload = string(data)
		}
		for _, line := range strings.Split(payload, "\n") {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Encode writes every event in order
func Encode(w io.Writer, events []Event) error {
	for _, ev := range events {
		if err := EncodeEvent(w, ev); err != nil {
			return err
		}
	}
	return nil
}

// ToValues converts events to the generic tree shape used in artifacts
func ToValues(events []Event) []any {
	out := make([]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{"event": ev.Event, "data": ev.Data}
	}
	return out
}

// FromValues converts a recorded payload back to events. Items without a
// string event name are rejected.
func FromValues(v any) ([]Event, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of events, got %s", jsonvalue.KindOf(v))
	}
	events := make([]Event, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("event %d: expected an object, got %s", i, jsonvalue.KindOf(item))
		}
		name, ok := obj["event"].(string)
		if !ok {
			return nil, fmt.Errorf("event %d: missing event name", i)
		}
		events = append(events, Event{Event: name, Data: obj["data"]})
	}
	return events, nil
}
