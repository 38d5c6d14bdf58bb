package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// MaintenanceResult summarizes one maintenance sweep.
type MaintenanceResult struct {
	Cleaned   int     `json:"cleaned"`
	Recovered int     `json:"recovered"`
	Errors    []error `json:"-"`
}

// ErrorMessages returns the sweep errors as strings.
func (r MaintenanceResult) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

// PerformMaintenanceCleanup terminates expired sessions, recovers corrupted
// ones and then sweeps expired sessions from the store. A failure on one
// session is collected and the sweep moves on.
func (m *Manager) PerformMaintenanceCleanup(ctx context.Context) MaintenanceResult {
	start := m.clock.Now()
	var result MaintenanceResult

	type candidate struct {
		id string
		uc *contextstore.UserContext
	}
	m.mu.Lock()
	candidates := make([]candidate, 0, len(m.entries))
	for id, e := range m.entries {
		candidates = append(candidates, candidate{id: id, uc: e.context.Clone()})
	}
	m.mu.Unlock()
	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.id, b.id)
	})

	terminated := make(map[string]bool)
	for _, c := range candidates {
		if c.uc.Expired(start) {
			if err := m.TerminateSession(ctx, c.id, ReasonExpired); err != nil {
				result.Errors = append(result.Errors, err)
			}
			terminated[c.id] = true
			result.Cleaned++
			continue
		}

		report := m.CheckSessionHealth(ctx, c.id)
		if report.Healthy || !report.Corrupted {
			continue
		}
		res, err := m.RecoverSession(ctx, c.id, RecoveryOptions{FallbackToAnonymous: true})
		switch {
		case err != nil:
			result.Errors = append(result.Errors, fmt.Errorf("recovering session %s: %w", c.id, err))
		case res != nil:
			result.Recovered++
		}
	}

	durable, err := m.store.CleanupExpiredSessions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, opError("cleanupExpiredSessions", "*", err))
	} else {
		// Sessions terminated above are swept again by the store.
		for _, id := range durable.SessionIDs {
			if !terminated[id] {
				result.Cleaned++
			}
		}
		result.Errors = append(result.Errors, durable.Errors...)
	}

	elapsed := m.clock.Now().Sub(start)
	m.metrics.maintenance(elapsed.Seconds())
	m.record(ctx, audit.NewEvent(audit.EventMaintenanceCompleted, "").
		WithDetails(map[string]any{
			"cleaned":   result.Cleaned,
			"recovered": result.Recovered,
			"errors":    len(result.Errors),
		}).
		WithError(errors.Join(result.Errors...)))
	m.logger.Info("session: maintenance completed",
		"cleaned", result.Cleaned,
		"recovered", result.Recovered,
		"errors", len(result.Errors),
		"duration", elapsed,
	)
	return result
}

// Start schedules PerformMaintenanceCleanup every MaintenanceInterval until
// Shutdown. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.maintenance != nil {
		return nil
	}
	m.runCtx = context.WithoutCancel(ctx)
	m.scheduleMaintenanceLocked()
	m.logger.Info("session: maintenance scheduled", "interval", m.cfg.MaintenanceInterval)
	return nil
}

func (m *Manager) scheduleMaintenanceLocked() {
	m.maintenance = m.clock.AfterFunc(m.cfg.MaintenanceInterval, m.runMaintenance)
}

func (m *Manager) runMaintenance() {
	m.mu.Lock()
	ctx := m.runCtx
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.PerformMaintenanceCleanup(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.maintenance != nil {
		m.scheduleMaintenanceLocked()
	}
}

// Shutdown stops maintenance, cancels every timer and refresh, and
// terminates all registered sessions concurrently. Each termination is
// bounded by ShutdownTaskTimeout. Failures are joined and returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.maintenance != nil {
		m.maintenance.Stop()
		m.maintenance = nil
	}
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if m.refresher != nil {
		m.refreshMu.Lock()
		m.refresher.ClearAllRefresh()
		m.refreshMu.Unlock()
	}

	var (
		errMu sync.Mutex
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(m.cfg.ShutdownConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.terminateWithin(ctx, id); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("session: manager shut down", "sessions", len(ids), "errors", len(errs))
	return errors.Join(errs...)
}

// terminateWithin runs TerminateSession but stops waiting once the task
// timeout elapses.
func (m *Manager) terminateWithin(ctx context.Context, id string) error {
	tctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.TerminateSession(tctx, id, ReasonShutdown)
	}()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return fmt.Errorf("terminating session %s: %w", id, tctx.Err())
	}
}
