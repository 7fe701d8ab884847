// Package extract turns the raw artifacts a campaign leaves behind into a
// MetricsRecord. Extraction never fails: anything missing or malformed reads
// as zero.
package extract

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
)

// Stats holds the numeric fields read from a fuzzer_stats file.
type Stats struct {
	BitmapCvgPct float64
	PathsTotal   int64
	ExecsDone    int64
	ExecsPerSec  float64

	// Invalid lists keys whose value was present but unparseable.
	Invalid []string
}

// Stats file keys.
const (
	KeyBitmapCvg   = "bitmap_cvg"
	KeyPathsTotal  = "paths_total"
	KeyCorpusCount = "corpus_count"
	KeyExecsDone   = "execs_done"
	KeyExecsPerSec = "execs_per_sec"
)

// ParseStats reads line-oriented "key : value" pairs. Each field is parsed on
// its own so one corrupt value does not affect the others.
func ParseStats(r io.Reader) Stats {
	raw := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		raw[key] = strings.TrimSpace(value)
	}

	var s Stats
	s.BitmapCvgPct = s.parseFloat(raw, KeyBitmapCvg)
	if _, ok := raw[KeyPathsTotal]; ok {
		s.PathsTotal = s.parseInt(raw, KeyPathsTotal)
	} else {
		s.PathsTotal = s.parseInt(raw, KeyCorpusCount)
	}
	s.ExecsDone = s.parseInt(raw, KeyExecsDone)
	s.ExecsPerSec = s.parseFloat(raw, KeyExecsPerSec)
	return s
}

func (s *Stats) parseFloat(raw map[string]string, key string) float64 {
	value, ok := raw[key]
	if !ok {
		return 0
	}
	value = strings.TrimSpace(strings.TrimSuffix(value, "%"))
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		s.Invalid = append(s.Invalid, key)
		return 0
	}
	return f
}

func (s *Stats) parseInt(raw map[string]string, key string) int64 {
	value, ok := raw[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err == nil {
		if n < 0 {
			s.Invalid = append(s.Invalid, key)
			return 0
		}
		return n
	}
	// Some builds print counters in float notation. Anything that does not
	// fit in an int64 is treated as malformed.
	f, ferr := strconv.ParseFloat(value, 64)
	if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= math.MaxInt64 {
		s.Invalid = append(s.Invalid, key)
		return 0
	}
	return int64(f)
}
