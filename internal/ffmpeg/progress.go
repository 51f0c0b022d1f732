package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Watchdog defaults for encoder progress stalls.
const (
	DefaultStallWarn = 10 * time.Second
	DefaultStallKill = 60 * time.Second
)

// ProgressToken is one decoded entry from an encoder's "-progress pipe:1"
// stream.
type ProgressToken struct {
	// Seconds is the output timestamp reached so far, when the token
	// carried one.
	Seconds float64
	// End is true for the terminal "progress=end" token.
	End bool
}

// ParseProgressLine decodes one key=value line of the progress stream.
// Despite its name, out_time_ms carries microseconds; out_time_us is its
// honest alias and out_time the wall-clock form.
func ParseProgressLine(line string) (ProgressToken, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return ProgressToken{}, false
	}
	switch key {
	case "out_time_ms", "out_time_us":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return ProgressToken{}, false
		}
		return ProgressToken{Seconds: float64(us) / 1e6}, true
	case "out_time":
		sec, ok := parseClockTime(value)
		if !ok {
			return ProgressToken{}, false
		}
		return ProgressToken{Seconds: sec}, true
	case "progress":
		return ProgressToken{End: value == "end"}, true
	}
	return ProgressToken{}, false
}

// parseClockTime decodes "HH:MM:SS.micros".
func parseClockTime(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(h)*3600 + float64(m)*60 + sec, true
}

// progressReader consumes the progress stream, forwarding output seconds to
// onSeconds and stamping lastToken for the stall watchdog.
type progressReader struct {
	onSeconds func(float64)
	lastToken atomic.Int64 // unix nanos of the most recent token
}

func newProgressReader(onSeconds func(float64)) *progressReader {
	r := &progressReader{onSeconds: onSeconds}
	r.touch()
	return r
}

func (p *progressReader) touch() {
	p.lastToken.Store(time.Now().UnixNano())
}

// idle reports how long ago the last token arrived.
func (p *progressReader) idle() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.lastToken.Load())
}

// consume reads the stream until EOF. Malformed lines are skipped; any token
// at all resets the watchdog clock.
func (p *progressReader) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tok, ok := ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		p.touch()
		if !tok.End && tok.Seconds > 0 && p.onSeconds != nil {
			p.onSeconds(tok.Seconds)
		}
	}
}
