package diff

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termshare/termshare/wire"
)

func line(text string) wire.Line {
	return wire.Line{Spans: []wire.Span{wire.NewSpan(text, nil, nil, 0)}}
}

func TestDiff_EmptyWhenEqual(t *testing.T) {
	a := []wire.Line{line("x"), line("y")}
	b := []wire.Line{line("x"), line("y")}
	assert.Empty(t, Diff(a, b))
}

func TestDiff_SingleChange(t *testing.T) {
	a := []wire.Line{line("x"), line("y"), line("z")}
	b := []wire.Line{line("x"), line("Y"), line("z")}
	changes := Diff(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].Index)
	assert.Equal(t, line("Y"), changes[0].Line)
}

func TestDiff_GrowingNext(t *testing.T) {
	a := []wire.Line{line("x")}
	b := []wire.Line{line("x"), line("new")}
	changes := Diff(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].Index)
}

func TestDiff_ShrinkingNext(t *testing.T) {
	a := []wire.Line{line("x"), line("y")}
	b := []wire.Line{line("x")}
	changes := Diff(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].Index)
	assert.Equal(t, wire.EmptyLine(), changes[0].Line)
}

func TestApply_RoundTrip(t *testing.T) {
	prev := []wire.Line{line("a"), line("b"), line("c")}
	next := []wire.Line{line("a"), line("B"), line("C"), line("d")}

	got := Apply(prev, Diff(prev, next))
	assert.Equal(t, next, got)
}

func TestApply_RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	words := []string{"a", "bb", "ccc", ""}

	randLines := func(n int) []wire.Line {
		ls := make([]wire.Line, n)
		for i := range ls {
			ls[i] = line(words[rng.Intn(len(words))])
		}
		return ls
	}

	for i := 0; i < 200; i++ {
		prev := randLines(rng.Intn(10))
		next := randLines(rng.Intn(10))
		got := Apply(prev, Diff(prev, next))
		assert.Equal(t, next, got, "prev=%v next=%v", prev, next)
	}
}

func TestDiff_EmptyIffEqual(t *testing.T) {
	a := []wire.Line{line("x")}
	b := []wire.Line{line("x")}
	assert.Empty(t, Diff(a, b))

	c := []wire.Line{line("y")}
	assert.NotEmpty(t, Diff(a, c))
}
