package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner starts a workflow run; the scheduler hands off through it and
// never touches run state itself.
type Runner interface {
	RunWorkflow(workflowID string, inputs map[string]string) (string, error)
}

type entry struct {
	workflowID string
	expr       string
	schedule   cron.Schedule
	loc        *time.Location
	next       time.Time
}

// Scheduler fires workflow runs on cron schedules. Fire decisions are
// single-threaded: one ticker walks the entries each minute and hands
// due workflows to the Runner. Missed fires during downtime collapse to
// at most one catch-up run, and only when the missed fire falls inside
// the catch-up window.
type Scheduler struct {
	runner   Runner
	broker   *events.Broker
	clock    clock.Clock
	interval time.Duration
	catchUp  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler. catchUp bounds how old a missed fire may be
// and still produce a run.
func New(runner Runner, broker *events.Broker, clk clock.Clock, catchUp time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		runner:   runner,
		broker:   broker,
		clock:    clk,
		interval: time.Minute,
		catchUp:  catchUp,
		entries:  make(map[string]*entry),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("schedule"),
	}
}

// Add registers a cron schedule for a workflow, replacing any existing
// one. The expression uses standard five-field cron syntax; timezone is
// an IANA name, defaulting to UTC. since anchors the first fire
// computation — pass the last known run start so fires missed during
// downtime are caught up; a zero since starts from now.
func (s *Scheduler) Add(workflowID, expr, timezone string, since time.Time) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	if since.IsZero() {
		since = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[workflowID] = &entry{
		workflowID: workflowID,
		expr:       expr,
		schedule:   schedule,
		loc:        loc,
		next:       schedule.Next(since.In(loc)),
	}
	return nil
}

// Remove unregisters a workflow's schedule
func (s *Scheduler) Remove(workflowID string) {
	s.mu.Lock()
	delete(s.entries, workflowID)
	s.mu.Unlock()
}

// Entries returns the scheduled workflow IDs
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Start launches the tick loop
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.clock.After(s.interval):
				s.Tick()
			}
		}
	}()
}

// Stop stops the tick loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Tick evaluates every entry once. Exported so the fire decision is
// testable without waiting on the ticker.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	type due struct {
		workflowID string
		fireAt     time.Time
	}
	var fires []due

	s.mu.Lock()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		// One or more fires elapsed. Collapse them to the most recent and
		// fire it only if it is still inside the catch-up window.
		last := e.next
		for {
			n := e.schedule.Next(last)
			if n.After(now) {
				break
			}
			last = n
		}
		if now.Sub(last) <= s.catchUp {
			fires = append(fires, due{workflowID: e.workflowID, fireAt: last})
		}
		e.next = e.schedule.Next(now.In(e.loc))
	}
	s.mu.Unlock()

	for _, f := range fires {
		runID, err := s.runner.RunWorkflow(f.workflowID, nil)
		if err != nil {
			s.logger.Error().Err(err).Str("workflow_id", f.workflowID).Msg("scheduled run failed to start")
			continue
		}
		metrics.ScheduleFires.Inc()
		s.broker.Publish(&events.Event{
			Type:       events.EventScheduleFired,
			WorkflowID: f.workflowID,
			RunID:      runID,
			Message:    fmt.Sprintf("schedule fired for %s", f.fireAt.Format(time.RFC3339)),
		})
		s.logger.Info().Str("workflow_id", f.workflowID).Str("run_id", runID).
			Time("fire_at", f.fireAt).Msg("schedule fired")
	}
}
