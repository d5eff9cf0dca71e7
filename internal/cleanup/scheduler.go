// Package cleanup runs periodic reclamation of expired sessions, provider
// tokens and federation state. Each task runs on its own ticker; a failing or
// panicking task never stops the others.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
)

// DefaultBatchSize bounds the rows one batch may delete.
const DefaultBatchSize = 100

// Snapshot is the configuration a task run sees. Now is fixed for the run.
type Snapshot struct {
	BatchSize     int
	RetentionDays int
	Now           time.Time
}

// Retention returns the retention window as a duration.
func (s Snapshot) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// TaskResult reports one run. Errors are collected, never thrown.
type TaskResult struct {
	CleanedCount int
	Errors       []string
}

// Task is one named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Run      func(ctx context.Context, snap Snapshot) TaskResult
}

// Config is shared by every task run.
type Config struct {
	BatchSize     int
	RetentionDays int
}

var (
	// ErrUnknownTask is returned by RunOnce for an unregistered name.
	ErrUnknownTask = errors.New("cleanup task not registered")
	// ErrRunning is returned by Register and Start once the scheduler runs.
	ErrRunning = errors.New("cleanup scheduler already running")
)

// Scheduler owns the task registry and the goroutines that run it.
type Scheduler struct {
	cfg     Config
	metrics metrics.Recorder
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler returns an empty scheduler. m and clk may be nil.
func NewScheduler(cfg Config, m metrics.Recorder, clk clock.Clock) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Scheduler{
		cfg:     cfg,
		metrics: m,
		clock:   clock.OrReal(clk),
		logger:  slog.Default().With("component", "cleanup"),
		tasks:   make(map[string]Task),
	}
}

// Register adds t. Empty or duplicate names, non-positive intervals and a nil
// Run are rejected.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return errors.New("cleanup task needs a name")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("cleanup task %q needs a positive interval", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("cleanup task %q has no run function", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("cleanup task %q already registered", t.Name)
	}
	s.tasks[t.Name] = t
	return nil
}

// Tasks returns the registered task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start launches one goroutine per enabled task. Each task runs once right
// away and then on every tick until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, t := range s.tasks {
		if !t.Enabled {
			s.logger.Info("cleanup task disabled", "task", t.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()
	s.logger.Info("cleanup task started", "task", t.Name, "interval", t.Interval)

	s.run(ctx, t)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup task stopped", "task", t.Name)
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

// RunOnce runs the named task a single time, enabled or not.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (TaskResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t), nil
}

// RunAll runs every enabled task once, in name order.
func (s *Scheduler) RunAll(ctx context.Context) map[string]TaskResult {
	out := make(map[string]TaskResult)
	for _, name := range s.Tasks() {
		s.mu.Lock()
		t := s.tasks[name]
		s.mu.Unlock()
		if !t.Enabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		out[name] = s.run(ctx, t)
	}
	return out
}

func (s *Scheduler) snapshot() Snapshot {
	return Snapshot{BatchSize: s.cfg.BatchSize, RetentionDays: s.cfg.RetentionDays, Now: s.clock.Now()}
}

// run executes t with panic recovery and records the outcome.
func (s *Scheduler) run(ctx context.Context, t Task) (res TaskResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
		}
		took := time.Since(start)
		s.metrics.CleanupRun(t.Name, res.CleanedCount, len(res.Errors), took)
		if len(res.Errors) > 0 {
			s.logger.Error("cleanup task finished with errors",
				"task", t.Name, "cleaned", res.CleanedCount, "errors", res.Errors, "duration_ms", took.Milliseconds())
			return
		}
		if res.CleanedCount > 0 {
			s.logger.Info("cleanup task finished", "task", t.Name, "cleaned", res.CleanedCount, "duration_ms", took.Milliseconds())
		}
	}()
	return t.Run(ctx, s.snapshot())
}
