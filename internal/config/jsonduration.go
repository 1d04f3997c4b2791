package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONDuration is a time.Duration that is read from either a go duration
// string ("90s") or a number of seconds, and written as a duration string.
type JSONDuration time.Duration

func (d *JSONDuration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = JSONDuration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = JSONDuration(dur)
	return nil
}

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d JSONDuration) Duration() time.Duration {
	return time.Duration(d)
}
