package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgressLine(t *testing.T) {
	tok, ok := ParseProgressLine("out_time_ms=2500000")
	assert.True(t, ok)
	assert.InDelta(t, 2.5, tok.Seconds, 1e-9)
	assert.False(t, tok.End)

	tok, ok = ParseProgressLine("out_time_us=1000000")
	assert.True(t, ok)
	assert.InDelta(t, 1.0, tok.Seconds, 1e-9)

	tok, ok = ParseProgressLine("out_time=00:01:30.500000")
	assert.True(t, ok)
	assert.InDelta(t, 90.5, tok.Seconds, 1e-6)

	tok, ok = ParseProgressLine("progress=end")
	assert.True(t, ok)
	assert.True(t, tok.End)

	tok, ok = ParseProgressLine("progress=continue")
	assert.True(t, ok)
	assert.False(t, tok.End)

	for _, bad := range []string{"", "frame=12", "out_time_ms=abc", "out_time_ms=-5", "noise"} {
		_, ok := ParseProgressLine(bad)
		assert.False(t, ok, bad)
	}
}

func TestProgressReader_Consume(t *testing.T) {
	var got []float64
	r := newProgressReader(func(s float64) { got = append(got, s) })

	stream := strings.Join([]string{
		"frame=10",
		"out_time_ms=1000000",
		"progress=continue",
		"out_time_ms=2000000",
		"progress=end",
	}, "\n")
	r.consume(strings.NewReader(stream))

	assert.Equal(t, []float64{1, 2}, got)
}
