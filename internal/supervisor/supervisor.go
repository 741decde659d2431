package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rmehra/marketpipe/internal/config"
)

// service is the mutable record behind one descriptor. Guarded by the
// supervisor mutex; nothing outside this package ever sees it directly.
type service struct {
	desc         ServiceDescriptor
	state        ServiceState
	handle       Handle
	restartCount int
	startedAt    time.Time
	lastErr      string
	restarting   bool // A restartService goroutine owns this service
}

// Supervisor owns the startup sequence, health monitoring, and bounded
// auto-restart for a fixed set of service descriptors. All service state is
// private to the supervisor; consumers get immutable snapshots.
type Supervisor struct {
	cfg      config.SupervisorConfig
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	services map[string]*service
	order    []string // Names sorted by priority ascending

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor from its config. The service list is fixed for the
// supervisor's lifetime.
func New(cfg config.SupervisorConfig, launcher Launcher, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		services: make(map[string]*service),
	}

	for _, sc := range cfg.Services {
		desc, err := DescriptorFromConfig(sc)
		if err != nil {
			return nil, err
		}
		if _, ok := s.services[desc.Name]; ok {
			return nil, fmt.Errorf("duplicate service %s", desc.Name)
		}
		s.services[desc.Name] = &service{desc: desc, state: StatePending}
		s.order = append(s.order, desc.Name)
	}

	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.services[s.order[i]].desc, s.services[s.order[j]].desc
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})

	return s, nil
}

// StartAll starts every service in priority order and begins health
// monitoring. After each critical service it waits a stabilization window
// and aborts the rest of the sequence if the service did not hold RUNNING.
// Optional startup failures are logged and skipped; the health loop picks
// them up under the normal restart policy.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, name := range s.order {
		svc := s.services[name]

		err := s.startService(ctx, name)
		if err == nil && svc.desc.Criticality == Critical {
			err = s.awaitStable(ctx, name)
		}

		if err != nil {
			if svc.desc.Criticality == Critical {
				s.logger.Error("critical service failed to start, aborting startup",
					"service", name, "error", err)
				return fmt.Errorf("start %s: %w", name, err)
			}
			s.logger.Warn("optional service failed to start, skipping",
				"service", name, "error", err)
		}
	}

	s.wg.Add(1)
	go s.healthLoop()

	s.logger.Info("all services started", "count", len(s.order))
	return nil
}

// StopAll stops every service in reverse priority order: SIGTERM, a grace
// period, then a forced kill for anything still running.
func (s *Supervisor) StopAll(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for i := len(s.order) - 1; i >= 0; i-- {
		s.stopService(s.order[i])
	}

	s.logger.Info("all services stopped")
	return nil
}

// StartOne starts a single service by name. An explicit start resets the
// restart budget, so a FAILED service can be brought back by an operator.
func (s *Supervisor) StartOne(ctx context.Context, name string) error {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if svc.state == StateRunning || svc.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	svc.restartCount = 0
	s.mu.Unlock()

	return s.startService(ctx, name)
}

// StopOne stops a single service by name. A stopped service is not
// auto-restarted.
func (s *Supervisor) StopOne(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	s.stopService(name)
	return nil
}

// RestartOne stops and restarts a single service.
func (s *Supervisor) RestartOne(ctx context.Context, name string) error {
	if err := s.StopOne(ctx, name); err != nil {
		return err
	}
	return s.StartOne(ctx, name)
}

// Snapshot returns the current status of every service in priority order.
func (s *Supervisor) Snapshot() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceStatus, 0, len(s.order))
	for _, name := range s.order {
		svc := s.services[name]
		st := ServiceStatus{
			Name:         svc.desc.Name,
			State:        svc.state,
			Priority:     svc.desc.Priority,
			Criticality:  svc.desc.Criticality,
			RestartCount: svc.restartCount,
			StartedAt:    svc.startedAt,
			LastError:    svc.lastErr,
		}
		if svc.handle != nil {
			st.RunID = svc.handle.RunID()
			st.PID = svc.handle.PID()
		}
		out = append(out, st)
	}
	return out
}

// Healthy reports whether every critical service is currently running.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, svc := range s.services {
		if svc.desc.Criticality == Critical && svc.state != StateRunning {
			return false
		}
	}
	return true
}

// startService launches one service and marks it RUNNING on success.
func (s *Supervisor) startService(ctx context.Context, name string) error {
	s.mu.Lock()
	svc := s.services[name]
	svc.state = StateStarting
	s.mu.Unlock()

	s.logger.Info("starting service", "service", name, "command", svc.desc.Command)

	handle, err := s.launcher.Launch(ctx, svc.desc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		svc.state = StateCrashed
		svc.lastErr = err.Error()
		return err
	}

	svc.handle = handle
	svc.state = StateRunning
	svc.startedAt = time.Now()
	svc.lastErr = ""

	s.logger.Info("service running", "service", name, "run_id", handle.RunID(), "pid", handle.PID())
	return nil
}

// awaitStable watches a freshly started service through the stabilization
// window, failing fast if it exits. The whole wait is bounded by the startup
// timeout.
func (s *Supervisor) awaitStable(ctx context.Context, name string) error {
	window := s.cfg.StabilizationWindow
	if s.cfg.StartupTimeout > 0 && s.cfg.StartupTimeout < window {
		window = s.cfg.StartupTimeout
	}
	deadline := time.Now().Add(window)

	for time.Now().Before(deadline) {
		s.mu.Lock()
		svc := s.services[name]
		alive := svc.handle != nil && svc.handle.Alive()
		if !alive {
			svc.state = StateCrashed
			svc.lastErr = "exited during stabilization"
		}
		s.mu.Unlock()

		if !alive {
			return fmt.Errorf("service %s exited during stabilization", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// stopService terminates one service and marks it STOPPED.
func (s *Supervisor) stopService(name string) {
	s.mu.Lock()
	svc := s.services[name]
	handle := svc.handle
	running := svc.state == StateRunning || svc.state == StateStarting || svc.state == StateRestarting
	svc.state = StateStopped
	s.mu.Unlock()

	if !running || handle == nil {
		return
	}

	s.logger.Info("stopping service", "service", name, "run_id", handle.RunID())

	if err := handle.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "service", name, "error", err)
	}

	deadline := time.Now().Add(s.cfg.GracePeriod)
	for handle.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if handle.Alive() {
		s.logger.Warn("service did not exit in grace period, killing", "service", name)
		if err := handle.Kill(); err != nil {
			s.logger.Error("kill failed", "service", name, "error", err)
		}
	}
}

// healthLoop polls liveness at a fixed interval and hands crashed services
// to the restart policy. A failed service never stalls its siblings.
func (s *Supervisor) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkServices()
		}
	}
}

// checkServices detects crashes among RUNNING services and schedules a
// restart for anything sitting in CRASHED, including optional services whose
// launch failed during startup.
func (s *Supervisor) checkServices() {
	s.mu.Lock()
	var restart []string
	for _, name := range s.order {
		svc := s.services[name]
		if svc.state == StateRunning && (svc.handle == nil || !svc.handle.Alive()) {
			svc.state = StateCrashed
			svc.lastErr = "process exited"
			s.logger.Warn("service crashed", "service", name)
		}
		if svc.state == StateCrashed && !svc.restarting {
			svc.restarting = true
			restart = append(restart, name)
		}
	}
	s.mu.Unlock()

	for _, name := range restart {
		s.wg.Add(1)
		go s.restartService(name)
	}
}

// restartService drives one crashed service through the bounded restart
// policy: monotonically increasing backoff, at most MaxRestarts attempts,
// then terminal FAILED.
func (s *Supervisor) restartService(name string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.services[name].restarting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		svc := s.services[name]
		if svc.state != StateCrashed && svc.state != StateRestarting {
			// Explicitly stopped or started while we were waiting.
			s.mu.Unlock()
			return
		}
		if svc.restartCount >= svc.desc.MaxRestarts {
			svc.state = StateFailed
			s.mu.Unlock()
			s.logger.Error("service exhausted restart budget",
				"service", name, "restarts", svc.desc.MaxRestarts)
			return
		}
		svc.state = StateRestarting
		backoff := svc.desc.RestartBackoff * time.Duration(svc.restartCount+1)
		s.mu.Unlock()

		s.logger.Info("restarting service", "service", name, "backoff", backoff)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		s.mu.Lock()
		if svc.state != StateRestarting {
			s.mu.Unlock()
			return
		}
		svc.restartCount++
		s.mu.Unlock()

		if err := s.startService(s.ctx, name); err != nil {
			s.logger.Warn("restart attempt failed", "service", name, "error", err)
			continue
		}
		return
	}
}
