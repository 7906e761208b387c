package version

import (
	"strings"

	"github.com/nuwank-swivel/notesync/diff"
)

const (
	// A delta is only worth persisting when it is under half the size of the
	// full content and under the absolute ceiling.
	deltaThreshold = 0.5
	maxDeltaSize   = 1 << 20 // 1 MiB

	// Round-trip line similarity below this invalidates the delta and forces
	// full-content storage.
	minRoundTripSimilarity = 0.99
)

// CompressDelta encodes content as a line-based delta against base. Each delta
// line is one instruction: "+text" inserts text, "-" skips one base line, and
// anything else copies one base line through.
//
// The second return value reports whether the delta is usable: small enough
// relative to the full content, under the size ceiling, and verified to
// round-trip back to the original. Callers must store full content when it is
// false.
func CompressDelta(content, base string) (string, bool) {
	ops := diff.LineOps(diff.SplitLines(base), diff.SplitLines(content))

	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case diff.OpInsert:
			lines = append(lines, "+"+op.Text)
		case diff.OpDelete:
			lines = append(lines, "-")
		default:
			lines = append(lines, "=")
		}
	}
	delta := strings.Join(lines, "\n")

	if len(delta) >= maxDeltaSize {
		return "", false
	}
	if len(content) == 0 || float64(len(delta)) >= deltaThreshold*float64(len(content)) {
		return "", false
	}

	// Fail closed: a delta that cannot reproduce the content bit-for-bit is
	// never persisted.
	restored := ApplyDelta(delta, base)
	if diff.Similarity(diff.SplitLines(restored), diff.SplitLines(content)) < minRoundTripSimilarity {
		return "", false
	}
	if restored != content {
		return "", false
	}

	return delta, true
}

// ApplyDelta replays a delta produced by CompressDelta against base and
// returns the reconstructed content.
func ApplyDelta(delta, base string) string {
	baseLines := diff.SplitLines(base)
	var out []string

	next := 0
	for _, instr := range diff.SplitLines(delta) {
		switch {
		case strings.HasPrefix(instr, "+"):
			out = append(out, instr[1:])
		case strings.HasPrefix(instr, "-"):
			next++
		default:
			if next < len(baseLines) {
				out = append(out, baseLines[next])
				next++
			}
		}
	}
	return strings.Join(out, "\n")
}
