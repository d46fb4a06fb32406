// Package diff computes and applies minimal line-level deltas between
// two terminal frames, per spec.md §4.2. It is a pure, deterministic
// function of its inputs with no session or transport awareness.
package diff

import "github.com/termshare/termshare/wire"

// Diff returns the ordered list of lines that changed between prev and
// next. For every index i in [0, max(len(prev), len(next))), a
// wire.LineDiff is emitted iff prev[i] is not structurally equal to
// next[i]; a missing index on either side is treated as wire.EmptyLine.
// The absence of index i in the result means line i is unchanged.
func Diff(prev, next []wire.Line) []wire.LineDiff {
	n := len(prev)
	if len(next) > n {
		n = len(next)
	}

	var changes []wire.LineDiff
	for i := 0; i < n; i++ {
		p := lineAt(prev, i)
		x := lineAt(next, i)
		if p.Equal(x) {
			continue
		}
		changes = append(changes, wire.LineDiff{Index: i, Line: x})
	}
	return changes
}

// Apply replaces lines[i] for every change in changes, leaving other
// indices intact and extending the result with wire.EmptyLine() if a
// change's index is beyond the current length. It is the left inverse
// of Diff: Apply(prev, Diff(prev, next)) == next for all prev, next.
func Apply(lines []wire.Line, changes []wire.LineDiff) []wire.Line {
	maxIndex := len(lines) - 1
	for _, c := range changes {
		if c.Index > maxIndex {
			maxIndex = c.Index
		}
	}

	out := make([]wire.Line, maxIndex+1)
	for i := range out {
		out[i] = lineAt(lines, i)
	}
	for _, c := range changes {
		out[c.Index] = c.Line
	}
	return out
}

func lineAt(lines []wire.Line, i int) wire.Line {
	if i < len(lines) {
		return lines[i]
	}
	return wire.EmptyLine()
}
