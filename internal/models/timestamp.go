package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Timestamp is a point in time in Unix epoch milliseconds. Every message
// time is normalized to it before ordering.
type Timestamp int64

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// ParseTimestamp normalizes the time representations found in stored
// message documents: epoch milliseconds as a number or numeric string,
// date strings in the layouts above, and time.Time values.
func ParseTimestamp(v any) (Timestamp, error) {
	switch t := v.(type) {
	case Timestamp:
		return t, nil
	case int:
		return Timestamp(t), nil
	case int64:
		return Timestamp(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range", ErrInvalidTimestamp, t)
		}
		return Timestamp(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, t)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if t >= 1<<63 || t < -(1<<63) {
			return 0, fmt.Errorf("%w: %v out of range", ErrInvalidTimestamp, t)
		}
		return Timestamp(int64(t)), nil
	case json.Number:
		return parseTimestampString(t.String())
	case time.Time:
		return TimestampFromTime(t), nil
	case string:
		return parseTimestampString(t)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, v)
	}
}

func parseTimestampString(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp(ms), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseTimestamp(f)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TimestampFromTime(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
