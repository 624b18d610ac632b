package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func extract(chunks ...string) (visible, reasoning string, open bool) {
	x := NewTagExtractor()
	for _, c := range chunks {
		x.Append(c)
	}
	return x.Visible(), x.Reasoning(), x.InSpan()
}

func TestTagExtractor_NoMarkup(t *testing.T) {
	v, r, open := extract("plain ", "text")
	assert.Equal(t, "plain text", v)
	assert.Empty(t, r)
	assert.False(t, open)
}

func TestTagExtractor_MarkerSplitAcrossChunks(t *testing.T) {
	v, r, open := extract("before <thi", "nk>inside</thi", "nk>after")
	assert.Equal(t, "before after", v)
	assert.Equal(t, "inside", r)
	assert.False(t, open)
}

func TestTagExtractor_PartialMarkerShownUntilResolved(t *testing.T) {
	x := NewTagExtractor()
	x.Append("a <thi")
	assert.Equal(t, "a <thi", x.Visible())
	x.Append("ng>")
	assert.Equal(t, "a <thing>", x.Visible(), "not a marker after all")
}

func TestTagExtractor_TwoSpansInOneUpdate(t *testing.T) {
	v, r, _ := extract("one<think>A</think>two<think>B</think>three")
	assert.Equal(t, "onetwothree", v)
	assert.Equal(t, "AB", r)
}

func TestTagExtractor_UnclosedSpan(t *testing.T) {
	x := NewTagExtractor()
	x.Append("answer <think>still")
	assert.True(t, x.InSpan())
	assert.Equal(t, "answer ", x.Visible())
	assert.Equal(t, "still", x.Reasoning())

	x.Append(" going and going")
	assert.Equal(t, "answer ", x.Visible(), "nothing after an open marker is visible")
	assert.Equal(t, "still going and going", x.Reasoning())
}

func TestTagExtractor_SeamWhitespace(t *testing.T) {
	v, _, _ := extract("Hello <think>x</think> world")
	assert.Equal(t, "Hello world", v)

	v, _, _ = extract("<think>x</think>\n\nAnswer")
	assert.Equal(t, "Answer", v)

	v, _, _ = extract("Hello<think>x</think> world")
	assert.Equal(t, "Hello world", v, "a seam without trailing space keeps the following space")
}

func TestTagExtractor_StrayCloseStaysVisible(t *testing.T) {
	v, r, _ := extract("a</think>b")
	assert.Equal(t, "a</think>b", v)
	assert.Empty(t, r)
}

func TestTagExtractor_ChunkBoundaryInvariance(t *testing.T) {
	inputs := []string{
		"Hello <think>pondering more</think> world",
		"<think>a</think>x<think>b</think>y",
		"lead <think>never closed <thi",
		"<<think>>x</think></think>",
		"text with < and > signs <thin but not a tag",
	}
	for _, in := range inputs {
		wantV, wantR, wantOpen := extract(in)
		for cut := 0; cut <= len(in); cut++ {
			for cut2 := cut; cut2 <= len(in); cut2 += 3 {
				v, r, open := extract(in[:cut], in[cut:cut2], in[cut2:])
				assert.Equal(t, wantV, v, "input %q cuts %d/%d", in, cut, cut2)
				assert.Equal(t, wantR, r, "input %q cuts %d/%d", in, cut, cut2)
				assert.Equal(t, wantOpen, open)
			}
		}
		// one rune at a time
		var chunks []string
		for _, c := range in {
			chunks = append(chunks, string(c))
		}
		v, r, _ := extract(chunks...)
		assert.Equal(t, wantV, v, strings.Join(chunks, "|"))
		assert.Equal(t, wantR, r)
	}
}
