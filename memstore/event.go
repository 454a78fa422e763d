package memstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/INLOpen/discover/core"
)

// Event is a single stored event. Columns other than the ones with a
// dedicated field are kept in Fields under their physical names, e.g.
// transaction_name, duration or release.
type Event struct {
	ID           string
	ProjectID    uint64
	GroupID      uint64
	Timestamp    time.Time
	Fields       map[string]any
	Tags         map[string]string
	Measurements map[string]float64
}

// pair is one element of a nested key/value column.
type pair struct {
	key   string
	value any
}

func (e *Event) tagPairs() []pair {
	out := make([]pair, 0, len(e.Tags))
	for k, v := range e.Tags {
		out = append(out, pair{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (e *Event) measurementPairs() []pair {
	out := make([]pair, 0, len(e.Measurements))
	for k, v := range e.Measurements {
		out = append(out, pair{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// UnmarshalJSON decodes an event object. event_id, project_id, group_id,
// timestamp, tags and measurements are special; every other key becomes a
// field.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*e = Event{Fields: make(map[string]any, len(raw))}
	for key, value := range raw {
		var err error
		switch key {
		case "event_id":
			e.ID = fmt.Sprint(value)
		case "project_id":
			e.ProjectID, err = uint64Field(key, value)
		case "group_id":
			e.GroupID, err = uint64Field(key, value)
		case "timestamp":
			e.Timestamp, err = timeField(value)
		case "tags":
			e.Tags, err = tagsField(value)
		case "measurements":
			e.Measurements, err = measurementsField(value)
		default:
			e.Fields[key] = core.NormalizeValue(value)
		}
		if err != nil {
			return err
		}
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %q has no timestamp", e.ID)
	}
	return nil
}

func uint64Field(key string, v any) (uint64, error) {
	i, ok := core.Int64Value(core.NormalizeValue(v))
	if !ok || i < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %v", key, v)
	}
	return uint64(i), nil
}

func timeField(v any) (time.Time, error) {
	switch x := core.NormalizeValue(v).(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", x, err)
		}
		return t.UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case float64:
		sec := int64(x)
		return time.Unix(sec, int64((x-float64(sec))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %v", v)
}

func tagsField(v any) (map[string]string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tags must be an object, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(core.NormalizeValue(val))
	}
	return out, nil
}

func measurementsField(v any) (map[string]float64, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("measurements must be an object, got %T", v)
	}
	out := make(map[string]float64, len(m))
	for k, val := range m {
		f, ok := core.Float64Value(core.NormalizeValue(val))
		if !ok {
			return nil, fmt.Errorf("measurement %q is not a number", k)
		}
		out[k] = f
	}
	return out, nil
}

// DecodeEvents reads events from r, either a JSON array of event objects or
// a stream of objects such as newline delimited JSON.
func DecodeEvents(r io.Reader) ([]*Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var events []*Event
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("failed to decode events: %w", err)
		}
		return events, nil
	}

	var events []*Event
	for {
		ev := &Event{}
		if err := dec.Decode(ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
