package utils

import (
	"encoding/json"
	"time"
)

// Empty is an empty struct, which has 0 bytes.
type Empty struct{}

// UniqueSet is a set of unique keys.
type UniqueSet map[string]Empty

func (s UniqueSet) Add(key string) {
	s[key] = Empty{}
}

func (s UniqueSet) Has(key string) bool {
	_, exists := s[key]
	return exists
}

func (s UniqueSet) Delete(key string) {
	delete(s, key)
}

// Duration wraps time.Duration so it marshals as a Go duration string
// ("30s", "5m") instead of nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s) == 0 {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
