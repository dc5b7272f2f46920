// Package features turns memory-access traces into dense feature matrices.
//
// A trace file is a JSON object keyed by time-slice index ("0", "1", ...). Each
// slice nests epoch -> event -> address key -> access count. Column offsets in
// the resulting vectors depend on the order of keys in the document, so decoding
// keeps that order instead of going through Go maps.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	ErrEmptyTrace   = errors.New("trace has no slices")
	ErrMissingSlice = errors.New("trace slice index missing")
)

// Count is the number of accesses recorded for one address key.
type Count struct {
	Key string
	N   int
}

// Event groups address counts under an event name such as EVENT_NEAR.
type Event struct {
	Name   string
	Counts []Count
}

// Epoch groups events under an epoch name such as SYS_READ.
type Epoch struct {
	Name   string
	Events []Event
}

// Slice is one time step of a trace.
type Slice struct {
	Epochs []Epoch
}

// Trace is an ordered sequence of slices read from one file.
type Trace struct {
	Name   string
	Slices []Slice
}

// EventCount returns the number of events of the reference epoch, falling back
// to the first epoch when the reference epoch is absent.
func (s Slice) EventCount(reference string) int {
	for _, ep := range s.Epochs {
		if ep.Name == reference {
			return len(ep.Events)
		}
	}
	if len(s.Epochs) > 0 {
		return len(s.Epochs[0].Events)
	}
	return 0
}

// UnmarshalJSON decodes a slice keeping document key order.
func (s *Slice) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var epochs []Epoch
	err := eachKey(dec, func(epochName string) error {
		ep := Epoch{Name: epochName}
		err := eachKey(dec, func(eventName string) error {
			ev := Event{Name: eventName}
			err := eachKey(dec, func(addr string) error {
				n, err := readCount(dec)
				if err != nil {
					return fmt.Errorf("%s/%s/%s: %w", epochName, eventName, addr, err)
				}
				ev.Counts = append(ev.Counts, Count{Key: addr, N: n})
				return nil
			})
			if err != nil {
				return err
			}
			ep.Events = append(ep.Events, ev)
			return nil
		})
		if err != nil {
			return err
		}
		epochs = append(epochs, ep)
		return nil
	})
	if err != nil {
		return err
	}
	s.Epochs = epochs
	return nil
}

// ReadTrace decodes a whole trace file. Slices are taken by index "0".."n-1"
// stepping by skip.
func ReadTrace(r io.Reader, skip int) (*Trace, error) {
	if skip < 1 {
		skip = 1
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyTrace
	}

	t := &Trace{Slices: make([]Slice, 0, (len(raw)+skip-1)/skip)}
	for u := 0; u < len(raw); u += skip {
		msg, ok := raw[strconv.Itoa(u)]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMissingSlice, u)
		}
		var s Slice
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("slice %d: %w", u, err)
		}
		t.Slices = append(t.Slices, s)
	}
	return t, nil
}

// eachKey walks one JSON object, calling fn for every key. fn must consume the value.
func eachKey(dec *json.Decoder, fn func(key string) error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	// closing brace
	_, err = dec.Token()
	return err
}

func readCount(dec *json.Decoder) (int, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, err
	}
	switch v := tok.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid count %q", v)
		}
		return int(math.Trunc(f)), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid count %q", v)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("invalid count %v", tok)
	}
}
