package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff renders a line diff between the payloads of two snapshots. Lines
// only in a are prefixed "- ", lines only in b "+ ". Unchanged lines are
// omitted. Timestamps are not compared. An empty string means the
// payloads are equivalent.
func Diff(a, b *Snapshot) string {
	if a.Fingerprint() == b.Fingerprint() {
		return ""
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a.payloadText(), b.payloadText())
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(line, "\n"))
			out.WriteByte('\n')
		}
	}

	return out.String()
}

// payloadText is the canonical, indented rendering of version and
// sections, one JSON token per line where possible.
func (s *Snapshot) payloadText() string {
	doc := map[string]any{keyVersion: s.version}

	for k, raw := range s.sections {
		v, err := decodeCanonical(raw)
		if err != nil {
			doc[k] = string(raw)
			continue
		}

		doc[k] = v
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Sprint(doc)
	}

	return string(data) + "\n"
}
