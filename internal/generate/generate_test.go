package generate

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/media"
)

func TestResolveTimeSpec(t *testing.T) {
	cases := []struct {
		spec     string
		duration float64
		want     float64
		wantErr  bool
	}{
		{"", 30, 15, false},
		{"middle", 30, 15, false},
		{"start", 30, 0, false},
		{"25%", 40, 10, false},
		{"100%", 40, 40, false},
		{"5.5", 30, 5.5, false},
		{"60", 30, 29.7, false}, // clamped inside the video
		{"150%", 30, 0, true},
		{"-3", 30, 0, true},
		{"bogus", 30, 0, true},
	}
	for _, tc := range cases {
		got, err := ResolveTimeSpec(tc.spec, tc.duration)
		if tc.wantErr {
			require.Error(t, err, "spec %q", tc.spec)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			continue
		}
		require.NoError(t, err, "spec %q", tc.spec)
		assert.InDelta(t, tc.want, got, 1e-9, "spec %q", tc.spec)
	}
}

func TestPlanPreviewPoints_FullCount(t *testing.T) {
	points := PlanPreviewPoints(30, 9, 0.8, 0.25)
	require.Len(t, points, 9)
	assert.Equal(t, 0.0, points[0])
	for i := 1; i < len(points); i++ {
		assert.GreaterOrEqual(t, points[i]-points[i-1], 0.8*1.25-0.001)
	}
	assert.LessOrEqual(t, points[len(points)-1], 30-0.8)
}

func TestPlanPreviewPoints_ShortSource(t *testing.T) {
	assert.Equal(t, []float64{0}, PlanPreviewPoints(0.5, 9, 0.8, 0.25))

	points := PlanPreviewPoints(5, 9, 0.8, 0.25)
	assert.Greater(t, len(points), 1)
	assert.Less(t, len(points), 9)
}

// grayHalves builds a w×h grayscale image with columns < split black and the
// rest white.
func grayHalves(w, h, split int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := split; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return img
}

func TestFrameHash_AHash(t *testing.T) {
	bits := FrameHash(grayHalves(8, 8, 4), "ahash")
	require.Len(t, bits, 8)
	for _, b := range bits {
		assert.Equal(t, byte(0x0F), b)
	}
}

func TestFrameHash_DHash(t *testing.T) {
	// 9×8 source maps onto the dhash grid without resampling; only the
	// black-to-white boundary at x=3→4 yields a rising edge.
	bits := FrameHash(grayHalves(9, 8, 4), "dhash")
	require.Len(t, bits, 8)
	for _, b := range bits {
		assert.Equal(t, byte(0x10), b)
	}
}

func TestCombineHashes(t *testing.T) {
	a := []byte{0xFF, 0x00}
	b := []byte{0x0F, 0xF0}

	assert.Equal(t, []byte{0xF0, 0xF0}, CombineHashes([][]byte{a, b}, "xor"))

	// Majority of three: two votes win per bit.
	maj := CombineHashes([][]byte{a, a, b}, "majority")
	assert.Equal(t, []byte{0xFF, 0x00}, maj)

	assert.Nil(t, CombineHashes(nil, "xor"))
	assert.Equal(t, a, CombineHashes([][]byte{a}, "xor"))
}

func TestParseYAVG(t *testing.T) {
	out := `
[Parsed_metadata_1 @ 0x5] frame:0    pts:0       pts_time:0
[Parsed_metadata_1 @ 0x5] lavfi.signalstats.YAVG=123.45
[Parsed_metadata_1 @ 0x5] frame:1    pts:25      pts_time:1
[Parsed_metadata_1 @ 0x5] lavfi.signalstats.YAVG=0.5
`
	assert.Equal(t, []float64{123.45, 0.5}, ParseYAVG(out))
	assert.Empty(t, ParseYAVG("no stats here"))
}

func TestParsePtsTimes(t *testing.T) {
	out := `
[Parsed_showinfo_1 @ 0x5] n:   0 pts:  12800 pts_time:1.4     duration: 512
[Parsed_showinfo_1 @ 0x5] n:   1 pts:  25600 pts_time:2.84    duration: 512
`
	assert.Equal(t, []float64{1.4, 2.84}, ParsePtsTimes(out))
}

func TestDedupeTimes(t *testing.T) {
	got := DedupeTimes([]float64{0.2, 0.1, 0.5, 0.51, 1.0}, 0.25)
	assert.Equal(t, []float64{0.1, 0.5, 1.0}, got)
	assert.Nil(t, DedupeTimes(nil, 0.25))
}

func TestFrameDiff(t *testing.T) {
	black := image.NewGray(image.Rect(0, 0, 4, 4))
	white := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	assert.InDelta(t, 1.0, FrameDiff(black, white), 1e-9)
	assert.InDelta(t, 0.0, FrameDiff(black, black), 1e-9)

	other := image.NewGray(image.Rect(0, 0, 2, 2))
	assert.Equal(t, 0.0, FrameDiff(black, other))
}

func TestFormatSRTTime(t *testing.T) {
	assert.Equal(t, "00:00:00,000", FormatSRTTime(0))
	assert.Equal(t, "00:00:02,500", FormatSRTTime(2.5))
	assert.Equal(t, "01:01:01,500", FormatSRTTime(3661.5))
	assert.Equal(t, "00:00:00,000", FormatSRTTime(-5))
}

func TestStubSRT(t *testing.T) {
	srt := StubSRT("/library/clip.mp4")
	assert.Contains(t, srt, media.SubtitleStubSentinel)
	assert.Contains(t, srt, "clip.mp4")
	assert.Contains(t, srt, "00:00:00,000 --> 00:00:02,000")
	assert.Equal(t, 2, strings.Count(srt, "-->"))
}

func TestCosineSim(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSim([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSim([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSim([]float64{0, 0}, []float64{1, 1}))
}

func TestClusterFaces_MergesSimilar(t *testing.T) {
	emb := []float64{1, 0, 0}
	dets := []detection{
		{time: 1, box: []int{10, 10, 40, 40}, score: 0.8, embedding: emb},
		{time: 5, box: []int{12, 12, 40, 40}, score: 0.95, embedding: emb},
	}
	records := ClusterFaces(dets, 0.9)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, 1.0, r.FirstTime)
	assert.Equal(t, 5.0, r.LastTime)
	// Best-scoring detection supplies the representative box and time.
	assert.Equal(t, 0.95, r.Score)
	assert.Equal(t, 5.0, r.Time)
}

func TestClusterFaces_SplitsDissimilar(t *testing.T) {
	dets := []detection{
		{time: 1, box: []int{0, 0, 40, 40}, score: 0.8, embedding: []float64{1, 0, 0}},
		{time: 2, box: []int{0, 0, 40, 40}, score: 0.8, embedding: []float64{0, 1, 0}},
	}
	records := ClusterFaces(dets, 0.9)
	assert.Len(t, records, 2)
}

func TestFaceBoxOK(t *testing.T) {
	// 100×100 box in a 640×360 frame: short side 360, rel size ~0.28.
	assert.True(t, FaceBoxOK(100, 100, 640, 360, 0.05))
	assert.False(t, FaceBoxOK(10, 10, 640, 360, 0.05), "too small")
	assert.False(t, FaceBoxOK(100, 40, 640, 360, 0.05), "too wide")
	assert.False(t, FaceBoxOK(40, 100, 640, 360, 0.05), "too tall")
	assert.False(t, FaceBoxOK(0, 100, 640, 360, 0.05))
}

func TestDCTDescriptor(t *testing.T) {
	// Uniform crops carry no signal.
	assert.Nil(t, DCTDescriptor(image.NewGray(image.Rect(0, 0, 32, 32))))
	assert.Nil(t, DCTDescriptor(nil))

	desc := DCTDescriptor(grayHalves(32, 32, 16))
	require.Len(t, desc, 63)
	var norm float64
	for _, v := range desc {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

// mustRawDoc round-trips v into the raw-keyed form DeriveTags consumes.
func mustRawDoc(t *testing.T, v map[string]any) map[string]json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestDeriveTags(t *testing.T) {
	doc := mustRawDoc(t, map[string]any{
		"duration": 30.0,
		"streams": []map[string]any{
			{"codec_type": "video", "codec_name": "h264", "height": 1080},
		},
	})
	tags := DeriveTags(doc)
	assert.Contains(t, tags, "short")
	assert.Contains(t, tags, "codec:h264")
	assert.Contains(t, tags, "1080p")
	assert.Contains(t, tags, "silent")

	doc = mustRawDoc(t, map[string]any{
		"duration": 1800.0,
		"stub":     true,
		"streams": []map[string]any{
			{"codec_type": "video", "codec_name": "vp9", "height": 2160},
			{"codec_type": "audio", "codec_name": "opus"},
		},
	})
	tags = DeriveTags(doc)
	assert.Contains(t, tags, "long")
	assert.Contains(t, tags, "4k")
	assert.Contains(t, tags, "unprobed")
	assert.NotContains(t, tags, "silent")
}

func TestScanProgress(t *testing.T) {
	assert.Equal(t, 0.0, ScanProgress(0, 100))
	assert.Equal(t, 0.0, ScanProgress(10, 0))
	assert.InDelta(t, 0.25, ScanProgress(50, 100), 1e-9)
	// Positions past the end clamp at the scan's full share.
	assert.InDelta(t, 0.5, ScanProgress(150, 100), 1e-9)
}

func TestScanHeartbeat_CappedAndStopsOnProgress(t *testing.T) {
	var mu sync.Mutex
	var values []float64
	var started atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		scanHeartbeat(time.Millisecond, 3, &started, stop, func(f float64) {
			mu.Lock()
			values = append(values, f)
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) >= 3
	}, time.Second, time.Millisecond)

	started.Store(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept beating after real progress started")
	}
	close(stop)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range values {
		assert.LessOrEqual(t, v, 0.03+1e-9)
		if i > 0 {
			assert.GreaterOrEqual(t, v, values[i-1])
		}
	}
}

func TestMonotonicSub(t *testing.T) {
	var got []float64
	sub := monotonicSub(func(f float64) { got = append(got, f) })
	sub(0.1)
	sub(0.05)
	sub(0.1)
	sub(0.2)
	assert.Equal(t, []float64{0.1, 0.2}, got)
	assert.Nil(t, monotonicSub(nil))
}

func TestApplyMarker_IntroExclusive(t *testing.T) {
	markers := applyMarker(nil, Marker{Time: 5, Intro: true})
	markers = applyMarker(markers, Marker{Time: 10, Intro: true})
	require.Len(t, markers, 2)

	intros := 0
	for _, m := range markers {
		if m.Intro {
			intros++
			assert.Equal(t, 10.0, m.Time)
		}
	}
	assert.Equal(t, 1, intros)
}

func TestApplyMarker_UpsertByTime(t *testing.T) {
	markers := applyMarker(nil, Marker{Time: 5, Label: "a"})
	markers = applyMarker(markers, Marker{Time: 5.001, Label: "b"})
	require.Len(t, markers, 1)
	assert.Equal(t, "b", markers[0].Label)

	markers = applyMarker(markers, Marker{Time: 6, Label: "c"})
	assert.Len(t, markers, 2)
}

func TestClampQuality(t *testing.T) {
	assert.Equal(t, 2, ClampQuality(0))
	assert.Equal(t, 31, ClampQuality(99))
	assert.Equal(t, 5, ClampQuality(5))
}

func TestQualityToJPEG(t *testing.T) {
	assert.Equal(t, 100, qualityToJPEG(2))
	assert.Greater(t, qualityToJPEG(2), qualityToJPEG(31))
	assert.GreaterOrEqual(t, qualityToJPEG(31), 1)
}
