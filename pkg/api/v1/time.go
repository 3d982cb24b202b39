package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is RFC3339 with a fixed nanosecond width. Encoded values
// compare lexicographically in chronological order, which the store
// relies on when sorting and range-filtering timestamp fields.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Time is a UTC timestamp that always marshals with full nanosecond
// precision.
type Time struct {
	time.Time
}

// NewTime wraps t, normalized to UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC()}
}

// Now returns the current UTC time.
func Now() Time {
	return NewTime(time.Now())
}

func (t Time) String() string {
	return t.UTC().Format(timeLayout)
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
