// Package diff implements the word- and line-level diff primitives shared by
// conflict detection, automatic merge and version comparison.
package diff

import "strings"

// WordStats summarizes a word-level comparison of two texts.
// Percentage is (added+removed+modified) / max(word counts) and is the single
// input to conflict severity classification.
type WordStats struct {
	Added      int
	Removed    int
	Modified   int
	Unchanged  int
	Percentage float64
}

// Words compares two texts word by word at matching positions. Positions past
// the end of the old text count as added, past the end of the new text as
// removed, and differing words at the same position as modified.
func Words(oldText, newText string) WordStats {
	oldWords := strings.Fields(oldText)
	newWords := strings.Fields(newText)

	var stats WordStats
	longest := len(oldWords)
	if len(newWords) > longest {
		longest = len(newWords)
	}

	for i := 0; i < longest; i++ {
		switch {
		case i >= len(oldWords):
			stats.Added++
		case i >= len(newWords):
			stats.Removed++
		case oldWords[i] != newWords[i]:
			stats.Modified++
		default:
			stats.Unchanged++
		}
	}

	if longest > 0 {
		stats.Percentage = float64(stats.Added+stats.Removed+stats.Modified) / float64(longest)
	}
	return stats
}

// OpKind classifies one step of an edit script.
type OpKind int

const (
	OpKeep OpKind = iota
	OpDelete
	OpInsert
)

// Op is one step of a line edit script transforming old into new.
type Op struct {
	Kind OpKind
	Text string
}

// LineOps computes a longest-common-subsequence edit script over lines.
func LineOps(oldLines, newLines []string) []Op {
	n, m := len(oldLines), len(newLines)

	// lcs[i][j] = LCS length of oldLines[i:] and newLines[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []Op
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, Op{Kind: OpKeep, Text: oldLines[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, Op{Kind: OpDelete, Text: oldLines[i]})
			i++
		default:
			ops = append(ops, Op{Kind: OpInsert, Text: newLines[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, Op{Kind: OpDelete, Text: oldLines[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, Op{Kind: OpInsert, Text: newLines[j]})
	}
	return ops
}

// LineChanges is a structural line diff: which lines were added, removed, or
// modified (a removal immediately paired with an insertion).
type LineChanges struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Lines computes the structural line diff between two texts.
func Lines(oldText, newText string) LineChanges {
	ops := LineOps(SplitLines(oldText), SplitLines(newText))

	var changes LineChanges
	for i := 0; i < len(ops); i++ {
		switch ops[i].Kind {
		case OpDelete:
			// A delete followed directly by an insert is a modification.
			if i+1 < len(ops) && ops[i+1].Kind == OpInsert {
				changes.Modified = append(changes.Modified, ops[i+1].Text)
				i++
				continue
			}
			changes.Removed = append(changes.Removed, ops[i].Text)
		case OpInsert:
			changes.Added = append(changes.Added, ops[i].Text)
		}
	}
	return changes
}

// Similarity returns the fraction of positions at which both line slices hold
// an identical line, relative to the longer slice. Two empty slices are fully
// similar.
func Similarity(a, b []string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}

	same := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(longest)
}

// SplitLines splits text on newlines. Empty text yields an empty slice so
// diffing "" against "" produces no operations.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
