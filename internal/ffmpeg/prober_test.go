package ffmpeg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbeJSON = `{
  "format": {
    "filename": "clip.mp4",
    "nb_streams": 2,
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "120.500000",
    "size": "1048576",
    "bit_rate": "695000"
  },
  "streams": [
    {
      "index": 0,
      "codec_name": "h264",
      "codec_type": "video",
      "width": 1920,
      "height": 1080,
      "pix_fmt": "yuv420p",
      "avg_frame_rate": "30000/1001",
      "r_frame_rate": "30000/1001"
    },
    {
      "index": 1,
      "codec_name": "aac",
      "codec_type": "audio",
      "sample_rate": "48000",
      "channels": 2
    }
  ]
}`

func decodeProbe(t *testing.T) *ProbeResult {
	t.Helper()
	var r ProbeResult
	require.NoError(t, json.Unmarshal([]byte(sampleProbeJSON), &r))
	return &r
}

func TestProbeResult_Duration(t *testing.T) {
	r := decodeProbe(t)
	assert.InDelta(t, 120.5, r.Duration(), 1e-6)

	// Container duration missing, fall back to streams.
	r.Format.Duration = ""
	r.Streams[0].Duration = "99.25"
	assert.InDelta(t, 99.25, r.Duration(), 1e-6)

	r.Streams[0].Duration = ""
	assert.Zero(t, r.Duration())
}

func TestProbeResult_Streams(t *testing.T) {
	r := decodeProbe(t)

	v := r.VideoStream()
	require.NotNil(t, v)
	assert.Equal(t, "h264", v.CodecName)
	assert.Equal(t, 1920, v.Width)

	assert.True(t, r.HasAudio())
	assert.InDelta(t, 29.97, r.FrameRate(), 0.01)

	r.Streams = r.Streams[:1]
	assert.False(t, r.HasAudio())
}

func TestParseRational(t *testing.T) {
	assert.InDelta(t, 25.0, parseRational("25/1"), 1e-9)
	assert.InDelta(t, 23.976, parseRational("24000/1001"), 0.001)
	assert.Zero(t, parseRational("0/0"))
	assert.InDelta(t, 30.0, parseRational("30"), 1e-9)
	assert.Zero(t, parseRational("bad/worse"))
}

func TestExitError_Message(t *testing.T) {
	err := &ExitError{Binary: "ffmpeg", Code: 1, Stderr: "noise\nInvalid data found\n"}
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "Invalid data found")
}
