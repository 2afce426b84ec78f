package crowd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StatusClosed is the record status that forces the Closed summary.
const StatusClosed = "closed"

// CountsSnapshot maps every category to a non-negative tally.
type CountsSnapshot map[Category]int

// NewCounts returns a snapshot with all six categories set to zero.
func NewCounts() CountsSnapshot {
	counts := make(CountsSnapshot, len(categoryTable))
	for _, info := range categoryTable {
		counts[info.Key] = 0
	}
	return counts
}

// Get returns the tally for c, zero when absent.
func (c CountsSnapshot) Get(cat Category) int {
	if c == nil {
		return 0
	}
	if v := c[cat]; v > 0 {
		return v
	}
	return 0
}

// Clone returns a fully populated copy.
func (c CountsSnapshot) Clone() CountsSnapshot {
	out := NewCounts()
	for _, cat := range Categories() {
		out[cat] = c.Get(cat)
	}
	return out
}

// Total sums all categories.
func (c CountsSnapshot) Total() int {
	total := 0
	for _, cat := range Categories() {
		total += c.Get(cat)
	}
	return total
}

// NormalizeCounts maps a raw server counts object onto a fully populated snapshot.
// Canonical server keys win over aliases; unparsable values count as zero.
func NormalizeCounts(raw map[string]json.RawMessage) CountsSnapshot {
	counts := NewCounts()
	exact := make(map[Category]bool, len(categoryTable))
	for key, value := range raw {
		cat, ok := ParseCategory(key)
		if !ok {
			continue
		}
		name := strings.TrimSpace(key)
		isExact := strings.EqualFold(name, cat.ServerKey()) || strings.EqualFold(name, string(cat))
		if prevExact, seen := exact[cat]; seen && (prevExact || !isExact) {
			continue
		}
		counts[cat] = parseCount(value)
		exact[cat] = isExact
	}
	return counts
}

func parseCount(raw json.RawMessage) int {
	v, ok := parseNumber(raw)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return int(v)
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}
	var num float64
	if err := json.Unmarshal(trimmed, &num); err == nil {
		return num, true
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return 0, false
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

// CrowdRecord is one park's row from the aggregation endpoint.
type CrowdRecord struct {
	ID     string         `json:"id"`
	Counts CountsSnapshot `json:"counts"`
	Status string         `json:"status,omitempty"`
}

// IsClosed reports the hard closed override.
func (r *CrowdRecord) IsClosed() bool {
	return r != nil && r.Status == StatusClosed
}

// Payload is the decoded aggregation feed.
type Payload struct {
	Records    []CrowdRecord `json:"records"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// Find returns the record for parkID.
func (p *Payload) Find(parkID string) (CrowdRecord, bool) {
	target := NormalizeID(parkID)
	if p == nil || target == "" {
		return CrowdRecord{}, false
	}
	for _, rec := range p.Records {
		if rec.ID == target {
			return rec, true
		}
	}
	return CrowdRecord{}, false
}

// NormalizeID trims park identifiers so numeric and string ids compare equal.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// DecodePayload accepts either a raw array or {data: [...]}. Other shapes decode to no rows.
func DecodePayload(body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Payload{}, nil
	}
	var rows []map[string]json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return Payload{}, fmt.Errorf("decode crowd rows: %w", err)
		}
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return Payload{}, fmt.Errorf("decode crowd envelope: %w", err)
		}
		data := bytes.TrimSpace(envelope["data"])
		if len(data) > 0 && data[0] == '[' {
			if err := json.Unmarshal(data, &rows); err != nil {
				return Payload{}, fmt.Errorf("decode crowd data: %w", err)
			}
		}
	default:
		return Payload{}, fmt.Errorf("decode crowd payload: unexpected token %q", trimmed[0])
	}

	records := make([]CrowdRecord, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		records = append(records, decodeRecord(row))
	}
	return Payload{Records: records}, nil
}

func decodeRecord(row map[string]json.RawMessage) CrowdRecord {
	rec := CrowdRecord{ID: NormalizeID(rawString(row["id"]))}
	var nested map[string]json.RawMessage
	if raw, ok := row["counts"]; ok && json.Unmarshal(raw, &nested) == nil && nested != nil {
		rec.Counts = NormalizeCounts(nested)
	} else {
		rec.Counts = NormalizeCounts(row)
	}
	rec.Status = strings.ToLower(strings.TrimSpace(rawString(row["status"])))
	return rec
}

func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}
	return string(trimmed)
}

// LocalSignal maps a category to the instant this session's report stops counting.
type LocalSignal map[Category]time.Time

// Active reports whether cat expires strictly after now.
func (s LocalSignal) Active(cat Category, now time.Time) bool {
	exp, ok := s[cat]
	return ok && exp.After(now)
}

// Prune returns the entries still live at now.
func (s LocalSignal) Prune(now time.Time) LocalSignal {
	out := make(LocalSignal, len(s))
	for cat, exp := range s {
		if cat.Valid() && exp.After(now) {
			out[cat] = exp
		}
	}
	return out
}

// Clone copies the map.
func (s LocalSignal) Clone() LocalSignal {
	out := make(LocalSignal, len(s))
	for cat, exp := range s {
		out[cat] = exp
	}
	return out
}

// MarshalJSON writes {category: epochMillis}.
func (s LocalSignal) MarshalJSON() ([]byte, error) {
	wire := make(map[string]int64, len(s))
	for cat, exp := range s {
		wire[string(cat)] = exp.UnixMilli()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reads {category: epochMillis}, skipping unknown keys and non-numeric values.
func (s *LocalSignal) UnmarshalJSON(data []byte) error {
	out := make(LocalSignal)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = out
		return nil
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return err
	}
	for key, raw := range wire {
		cat, ok := ParseCategory(key)
		if !ok {
			continue
		}
		ms, ok := parseNumber(raw)
		if !ok || math.IsNaN(ms) || math.IsInf(ms, 0) {
			continue
		}
		out[cat] = time.UnixMilli(int64(ms))
	}
	*s = out
	return nil
}

// FeedStatus is the consumer facing state of the shared aggregation feed.
type FeedStatus string

const (
	FeedIdle     FeedStatus = "idle"
	FeedLoading  FeedStatus = "loading"
	FeedReady    FeedStatus = "ready"
	FeedError    FeedStatus = "error"
	FeedUpdating FeedStatus = "updating"
)

// ParkState is what a subscriber sees for one park.
type ParkState struct {
	Status    FeedStatus     `json:"status"`
	Counts    CountsSnapshot `json:"counts"`
	Record    *CrowdRecord   `json:"record,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EventType distinguishes feed notifications.
type EventType string

const (
	EventData  EventType = "data"
	EventError EventType = "error"
)

// Event is fanned out to every subscriber after each poll.
type Event struct {
	Type       EventType
	Payload    *Payload
	Err        error
	ReceivedAt time.Time
}

// Listener receives feed events. It must not block.
type Listener func(Event)

// Subscription is a registered interest in one park.
type Subscription interface {
	State() ParkState
	Close()
}
