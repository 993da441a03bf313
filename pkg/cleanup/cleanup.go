// Package cleanup implements the reconciliation engine: a registry of
// independent, periodic strategies that repair states the happy path cannot
// reach, grounded on the teacher's pkg/reconciler ticker-driven loop but
// generalized into the explicit strategy slice spec.md §9 calls for (the
// teacher's hardcoded reconcileNodes/reconcileContainers pair becomes a
// []Strategy, topologically sorted on declared dependencies).
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
)

// Strategy is one independent cleanup rule. Implementations are constructed
// as plain values at program start, per spec.md §9's explicit-slice guidance
// (no class-discovery/auto-registration).
type Strategy interface {
	Name() string
	Description() string
	Interval() time.Duration
	Priority() int
	DependsOn() []string

	// Before may return false to skip this invocation (e.g. a feature flag).
	Before(ctx context.Context) bool
	// DoCleanup performs the repair and returns the count of rows repaired.
	DoCleanup(ctx context.Context) (int, error)
	After(ctx context.Context, repaired int)
	OnError(ctx context.Context, err error)
}

// Manager holds strategies in topologically-sorted order and ticks each one
// whose interval has elapsed.
type Manager struct {
	strategies []Strategy
	lastRun    map[string]time.Time
	logger     zerolog.Logger
}

// NewManager builds a Manager from an unordered strategy slice, sorting it
// once at construction: a topological sort on DependsOn, with Priority as
// the tie-break within the same dependency layer.
func NewManager(strategies []Strategy) (*Manager, error) {
	ordered, err := topoSort(strategies)
	if err != nil {
		return nil, fmt.Errorf("ordering cleanup strategies: %w", err)
	}
	return &Manager{
		strategies: ordered,
		lastRun:    make(map[string]time.Time),
		logger:     log.WithComponent("cleanup"),
	}, nil
}

// Tick runs every strategy whose (now - last_run) >= interval, each inside
// its own short-lived unit of work. One strategy's failure does not abort
// the others.
func (m *Manager) Tick(ctx context.Context) {
	now := time.Now()
	for _, s := range m.strategies {
		last, ran := m.lastRun[s.Name()]
		if ran && now.Sub(last) < s.Interval() {
			continue
		}
		m.lastRun[s.Name()] = now
		m.runOne(ctx, s)
	}
}

func (m *Manager) runOne(ctx context.Context, s Strategy) {
	if !s.Before(ctx) {
		return
	}

	timer := metrics.NewTimer()
	repaired, err := s.DoCleanup(ctx)
	timer.ObserveDurationVec(metrics.CleanupStrategyDuration, s.Name())

	if err != nil {
		metrics.CleanupStrategyErrors.WithLabelValues(s.Name()).Inc()
		m.logger.Error().Err(err).Str("strategy", s.Name()).Msg("cleanup strategy failed")
		s.OnError(ctx, err)
		return
	}

	if repaired > 0 {
		metrics.CleanupStrategyRepaired.WithLabelValues(s.Name()).Add(float64(repaired))
		m.logger.Info().Str("strategy", s.Name()).Int("repaired", repaired).Msg("cleanup strategy ran")
	}
	s.After(ctx, repaired)
}

// topoSort orders strategies so every strategy runs after everything named
// in its DependsOn, breaking ties within a layer by ascending Priority.
func topoSort(strategies []Strategy) ([]Strategy, error) {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}

	var ordered []Strategy
	visited := make(map[string]int) // 0=unvisited, 1=in-progress, 2=done

	var visit func(s Strategy) error
	visit = func(s Strategy) error {
		switch visited[s.Name()] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("cyclic dependency involving strategy %q", s.Name())
		}
		visited[s.Name()] = 1
		for _, dep := range s.DependsOn() {
			depStrategy, ok := byName[dep]
			if !ok {
				return fmt.Errorf("strategy %q depends on unknown strategy %q", s.Name(), dep)
			}
			if err := visit(depStrategy); err != nil {
				return err
			}
		}
		visited[s.Name()] = 2
		ordered = append(ordered, s)
		return nil
	}

	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	for _, s := range sorted {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
