// Package snapshot builds, parses and applies the aggregate document that
// carries every synchronized dashboard area between devices.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/store"
)

// Version is the snapshot format tag written by Build.
const Version = 1

const (
	keyVersion   = "version"
	keyUpdatedAt = "updated_at"
)

// Snapshot is an immutable aggregate of all synchronized state. Sections
// hold the raw JSON of each area keyed by area name. Values are never
// mutated after construction; accessors hand out copies.
type Snapshot struct {
	version     int
	updatedAt   time.Time
	sections    map[string]json.RawMessage
	fingerprint string
}

// Build reads every area store and assembles a snapshot stamped with now.
// An area whose state cannot be encoded is left out of the snapshot, so
// receivers keep their own copy of it.
func Build(stores *store.Stores, now time.Time) *Snapshot {
	sections := make(map[string]json.RawMessage, len(store.Areas))

	put := func(area string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}

		sections[area] = data
	}

	put(store.AreaApp, stores.App.Get())
	put(store.AreaHabits, stores.Habits.Get())
	put(store.AreaReminders, stores.Reminders.Get())

	return newSnapshot(Version, now.UTC().Truncate(time.Millisecond), sections)
}

// Parse decodes a wire snapshot. The document must be a JSON object.
// A missing or unparseable updated_at yields the zero time; every key
// other than version and updated_at is kept as a section, including
// areas this build does not know about.
func Parse(data []byte) (*Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedSnapshot, err)
	}

	if fields == nil {
		return nil, fmt.Errorf("%w: document is null", errors.ErrMalformedSnapshot)
	}

	version := 0
	if raw, ok := fields[keyVersion]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("%w: version: %v", errors.ErrMalformedSnapshot, err)
		}
	}

	var updatedAt time.Time
	if raw, ok := fields[keyUpdatedAt]; ok {
		_ = json.Unmarshal(raw, &updatedAt)
	}

	sections := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == keyVersion || k == keyUpdatedAt {
			continue
		}

		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}

		sections[k] = append(json.RawMessage(nil), v...)
	}

	return newSnapshot(version, updatedAt.UTC(), sections), nil
}

// Empty returns a snapshot with no sections, standing in for a remote
// record that does not exist yet.
func Empty() *Snapshot {
	return newSnapshot(Version, time.Time{}, map[string]json.RawMessage{})
}

func newSnapshot(version int, updatedAt time.Time, sections map[string]json.RawMessage) *Snapshot {
	s := &Snapshot{
		version:   version,
		updatedAt: updatedAt,
		sections:  sections,
	}
	s.fingerprint = computeFingerprint(version, sections)

	return s
}

// Version returns the format tag.
func (s *Snapshot) Version() int { return s.version }

// UpdatedAt returns the construction time.
func (s *Snapshot) UpdatedAt() time.Time { return s.updatedAt }

// Fingerprint returns a content hash over the version and the sections.
// The timestamp is excluded so that two builds of unchanged state compare
// equal.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

// Section returns a copy of the raw JSON for one area.
func (s *Snapshot) Section(area string) (json.RawMessage, bool) {
	raw, ok := s.sections[area]
	if !ok {
		return nil, false
	}

	return append(json.RawMessage(nil), raw...), true
}

// Areas returns the section names: known areas first in canonical order,
// then any unknown sections sorted by name.
func (s *Snapshot) Areas() []string {
	var out []string

	known := make(map[string]bool, len(store.Areas))
	for _, a := range store.Areas {
		known[a] = true
		if _, ok := s.sections[a]; ok {
			out = append(out, a)
		}
	}

	var extra []string
	for k := range s.sections {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)

	return append(out, extra...)
}

// MarshalJSON writes the wire form: version, updated_at, then sections.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(`{"version":`)
	buf.WriteString(strconv.Itoa(s.version))

	ts, err := json.Marshal(s.updatedAt)
	if err != nil {
		return nil, fmt.Errorf("encoding updated_at: %w", err)
	}

	buf.WriteString(`,"updated_at":`)
	buf.Write(ts)

	for _, area := range s.Areas() {
		key, _ := json.Marshal(area)
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(s.sections[area])
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// computeFingerprint hashes the canonical form of version plus sections.
// Sections that are not valid JSON are hashed verbatim.
func computeFingerprint(version int, sections map[string]json.RawMessage) string {
	doc := make(map[string]any, len(sections)+1)
	doc[keyVersion] = json.Number(strconv.Itoa(version))

	for k, raw := range sections {
		v, err := decodeCanonical(raw)
		if err != nil {
			doc[k] = string(raw)
			continue
		}

		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Unreachable for decoded JSON values.
		data = []byte(fmt.Sprint(doc))
	}

	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}

// decodeCanonical decodes JSON into generic values while keeping number
// literals intact. Re-encoding the result sorts object keys, which makes
// documents that differ only in key order or whitespace byte-identical.
func decodeCanonical(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}
