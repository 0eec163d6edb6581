package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDecode marks a malformed snapshot or response payload.
var ErrDecode = errors.New("decode error")

// Record is one history entry as assigned by the server.
type Record struct {
	ID         int64     `json:"id"`
	Expression string    `json:"expression"`
	Result     string    `json:"result"`
	Timestamp  time.Time `json:"timestamp"`
}

// UnmarshalJSON decodes a record, accepting both zoned RFC 3339 timestamps
// and the naive ISO form the server emits when it runs without timezones.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         *int64 `json:"id"`
		Expression string `json:"expression"`
		Result     string `json:"result"`
		Timestamp  string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return errors.New("record is missing id")
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("record %d: %w", *raw.ID, err)
	}

	*r = Record{
		ID:         *raw.ID,
		Expression: raw.Expression,
		Result:     raw.Result,
		Timestamp:  ts,
	}
	return nil
}

// Snapshot is the server's complete history at the moment of broadcast.
type Snapshot []Record

// MaxTimestamp returns the newest timestamp in the snapshot.
// ok is false for an empty snapshot.
func (s Snapshot) MaxTimestamp() (max time.Time, ok bool) {
	for i, r := range s {
		if i == 0 || r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return max, len(s) > 0
}

// IDs returns the set of record ids present in the snapshot.
func (s Snapshot) IDs() map[int64]struct{} {
	ids := make(map[int64]struct{}, len(s))
	for _, r := range s {
		ids[r.ID] = struct{}{}
	}
	return ids
}

// timestampLayouts are tried in order by ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a server timestamp. Timestamps without a zone are
// interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// DecodeSnapshot decodes a push-channel payload. The payload must be a JSON
// array; an empty array is a valid empty snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: snapshot must be a JSON array", ErrDecode)
	}

	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// DecodeRecord decodes a submit response body into a Record.
func DecodeRecord(data []byte) (*Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: record must be a JSON object", ErrDecode)
	}

	var r Record
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &r, nil
}
