package extract

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/models"
)

const (
	DefaultStatsFile = "fuzzer_stats"
	DefaultBugReport = "bugs.json"
)

type Extractor struct {
	StatsFile string
	BugReport string
	Knobs     models.KnobSet
	Logger    *zap.Logger
}

func New(knobs models.KnobSet, statsFile, bugReport string, logger *zap.Logger) *Extractor {
	if statsFile == "" {
		statsFile = DefaultStatsFile
	}
	if bugReport == "" {
		bugReport = DefaultBugReport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{StatsFile: statsFile, BugReport: bugReport, Knobs: knobs, Logger: logger}
}

// Extract builds the record for one campaign from the artifacts under dir.
// It never fails; a crashed campaign yields a well-formed zero record.
func (e *Extractor) Extract(dir string, c models.Combination, elapsed time.Duration, kind models.OutcomeKind) *models.MetricsRecord {
	rec := &models.MetricsRecord{
		Label:       c.Label,
		Knobs:       c.Knobs(e.Knobs),
		AFLKnobs:    c.Describe(e.Knobs),
		WallTimeSec: roundTenth(elapsed.Seconds()),
		Outcome:     kind,
	}
	log := e.Logger.With(zap.String("label", c.Label))

	if path := e.find(dir, e.StatsFile); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Warn("Could not open stats file", zap.String("path", path), zap.Error(err))
		} else {
			stats := ParseStats(f)
			f.Close()
			rec.StatsFound = true
			rec.StatsPath = path
			rec.BitmapCvgPct = stats.BitmapCvgPct
			rec.PathsTotal = stats.PathsTotal
			rec.ExecsDone = stats.ExecsDone
			rec.ExecsPerSec = stats.ExecsPerSec
			if len(stats.Invalid) > 0 {
				log.Warn("Malformed stats fields read as zero", zap.Strings("fields", stats.Invalid))
			}
		}
	} else {
		log.Debug("No stats file found", zap.String("dir", dir), zap.String("name", e.StatsFile))
	}

	if path := e.find(dir, e.BugReport); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Warn("Could not open bug report", zap.String("path", path), zap.Error(err))
		} else {
			counts, err := ParseBugReport(f)
			f.Close()
			rec.BugReportPath = path
			if err != nil {
				log.Warn("Could not parse bug report", zap.String("path", path), zap.Error(err))
			} else {
				rec.BugsFound = true
				rec.BugsTriggered = counts.Triggered
				rec.BugsReached = counts.Reached
			}
		}
	} else {
		log.Debug("No bug report found", zap.String("dir", dir), zap.String("name", e.BugReport))
	}

	return rec
}

// find returns dir/name when it exists, otherwise the first match found by
// walking dir in lexical order.
func (e *Extractor) find(dir, name string) string {
	if dir == "" {
		return ""
	}
	direct := filepath.Join(dir, name)
	if info, err := os.Stat(direct); err == nil && info.Mode().IsRegular() {
		return direct
	}

	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() && d.Name() == name {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.Logger.Debug("Artifact search stopped early", zap.String("dir", dir), zap.Error(err))
	}
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
