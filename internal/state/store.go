// Package state persists sweep progress so an interrupted sweep can resume.
//
// The state file is the single source of truth for which combinations have
// run. Every mutation rewrites the whole document atomically, so a crash in
// the middle of a write leaves the previous good file in place.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/fsutil"
	"github.com/imishinist/knobsweep/internal/models"
)

var (
	// ErrCorrupt is returned when the state file exists but cannot be used.
	ErrCorrupt = errors.New("sweep state is corrupt")
	// ErrInvalidTransition is returned for a status change that is not forward.
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrUnknownLabel is returned for a label outside the combination set.
	ErrUnknownLabel = errors.New("unknown combination label")
)

type Store struct {
	path        string
	knobs       models.KnobSet
	combos      []models.Combination
	strict      bool
	retryFailed bool
	logger      *zap.Logger
	now         func() time.Time

	mu    sync.Mutex
	state *models.SweepState
}

type Option func(*Store)

// WithStrict makes Load fail on a corrupt state file instead of starting over.
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithRetryFailed resets failed combinations to pending on Load.
func WithRetryFailed(retry bool) Option {
	return func(s *Store) { s.retryFailed = retry }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(path string, knobs models.KnobSet, combos []models.Combination, opts ...Option) *Store {
	s := &Store{
		path:   path,
		knobs:  append(models.KnobSet(nil), knobs...),
		combos: append([]models.Combination(nil), combos...),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields a fresh state. A corrupt
// or mismatched file is logged and replaced by a fresh state, unless the store
// is strict. Combinations left in progress by a previous process are reset to
// pending because campaigns cannot be resumed mid-run.
func (s *Store) Load(budget time.Duration) (*models.SweepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.read()
	switch {
	case err == nil:
		s.state = loaded
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("No sweep state found, starting fresh", zap.String("path", s.path))
		s.state = s.fresh(budget)
	case errors.Is(err, ErrCorrupt) && !s.strict:
		s.logger.Warn("Sweep state is unreadable, discarding it and starting fresh",
			zap.String("path", s.path), zap.Error(err))
		s.state = s.fresh(budget)
	default:
		return nil, err
	}

	s.state.TimeBudget = budget
	s.recover()

	if err := s.save(); err != nil {
		return nil, err
	}

	snapshot := s.state.Clone()
	return &snapshot, nil
}

// Peek reads the state file without applying the resume policy or writing
// anything back.
func (s *Store) Peek() (*models.SweepState, error) {
	return s.read()
}

// Fresh replaces the in-memory state with an all-pending sweep and persists it.
func (s *Store) Fresh(budget time.Duration) (*models.SweepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = s.fresh(budget)
	if err := s.save(); err != nil {
		return nil, err
	}

	snapshot := s.state.Clone()
	return &snapshot, nil
}

// Archive moves an existing state file aside and returns its new path. It
// returns an empty path when there is nothing to archive.
func (s *Store) Archive() (string, error) {
	if !fsutil.Exists(s.path) {
		return "", nil
	}
	target := fmt.Sprintf("%s.%s.bak", s.path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, target); err != nil {
		return "", fmt.Errorf("failed to archive sweep state: %w", err)
	}
	return target, nil
}

// NextPending returns the lowest-labeled pending combination.
func (s *Store) NextPending() (models.Combination, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return models.Combination{}, false
	}
	for _, c := range s.combos {
		if s.state.Campaigns[c.Label].Status == models.StatusPending {
			return c, true
		}
	}
	return models.Combination{}, false
}

func (s *Store) MarkInProgress(label string) error {
	return s.transition(label, models.StatusInProgress, func(cs *models.CampaignState, now time.Time) {
		cs.StartedAt = &now
		cs.EndedAt = nil
		cs.MetricsPath = ""
		cs.Reason = ""
		cs.Attempts++
	})
}

// MarkCompleted records a fully observed successful run and the path of its
// metrics record, relative to the results directory.
func (s *Store) MarkCompleted(label, metricsPath string) error {
	return s.transition(label, models.StatusCompleted, func(cs *models.CampaignState, now time.Time) {
		cs.EndedAt = &now
		cs.MetricsPath = metricsPath
	})
}

// MarkFailed records a terminal failure. metricsPath may be empty when no
// record could be written.
func (s *Store) MarkFailed(label, reason, metricsPath string) error {
	return s.transition(label, models.StatusFailed, func(cs *models.CampaignState, now time.Time) {
		cs.EndedAt = &now
		cs.Reason = reason
		cs.MetricsPath = metricsPath
	})
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() models.SweepState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return models.SweepState{}
	}
	return s.state.Clone()
}

func (s *Store) Counts() models.StatusCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return models.StatusCounts{}
	}
	return s.state.Counts()
}

func (s *Store) transition(label string, to models.CampaignStatus, apply func(*models.CampaignState, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return fmt.Errorf("sweep state not loaded")
	}
	cs, ok := s.state.Campaigns[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}
	if !allowed(cs.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, label, cs.Status, to)
	}

	prev := *cs
	cs.Status = to
	apply(cs, s.now())

	if err := s.save(); err != nil {
		*cs = prev
		return err
	}
	return nil
}

func allowed(from, to models.CampaignStatus) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusInProgress
	case models.StatusInProgress:
		return to == models.StatusCompleted || to == models.StatusFailed
	default:
		return false
	}
}

// recover applies the resume policy to a freshly loaded state.
func (s *Store) recover() {
	for _, label := range s.state.Order {
		cs := s.state.Campaigns[label]
		switch {
		case cs.Status == models.StatusInProgress:
			s.logger.Warn("Combination was interrupted, it will be re-run from scratch",
				zap.String("label", label))
			resetToPending(cs)
		case cs.Status == models.StatusFailed && s.retryFailed:
			s.logger.Info("Retrying failed combination", zap.String("label", label),
				zap.String("previous_reason", cs.Reason))
			resetToPending(cs)
		}
	}
}

func resetToPending(cs *models.CampaignState) {
	cs.Status = models.StatusPending
	cs.StartedAt = nil
	cs.EndedAt = nil
	cs.MetricsPath = ""
	cs.Reason = ""
}

func (s *Store) fresh(budget time.Duration) *models.SweepState {
	st := &models.SweepState{
		SweepID:           uuid.NewString(),
		Knobs:             append(models.KnobSet(nil), s.knobs...),
		TotalCombinations: len(s.combos),
		TimeBudget:        budget,
		StartTime:         s.now(),
		Order:             make([]string, 0, len(s.combos)),
		Campaigns:         make(map[string]*models.CampaignState, len(s.combos)),
	}
	for _, c := range s.combos {
		st.Order = append(st.Order, c.Label)
		st.Campaigns[c.Label] = &models.CampaignState{Label: c.Label, Status: models.StatusPending}
	}
	return st
}

func (s *Store) read() (*models.SweepState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read sweep state: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s.fromDocument(&doc)
}

func (s *Store) save() error {
	now := s.now()
	s.state.LastUpdate = &now
	if err := fsutil.WriteJSONAtomic(s.path, s.toDocument()); err != nil {
		return fmt.Errorf("failed to save sweep state: %w", err)
	}
	return nil
}
