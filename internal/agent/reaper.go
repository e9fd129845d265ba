// ABOUTME: Reaper closes agent sessions that have been idle longer than a timeout.
// ABOUTME: It drives Service.CloseSession from outside; the registry never evicts on its own.

package agent

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically closes idle sessions. Sessions with a registered
// listener are never reaped, so an exchange in progress is left alone.
type Reaper struct {
	service  *Service
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. A zero interval defaults to a quarter of timeout.
func NewReaper(service *Service, timeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = timeout / 4
	}
	return &Reaper{
		service:  service,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "agent_reaper"),
	}
}

// Run reaps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r.timeout <= 0 {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("idle reaper crashed", "panic", rec)
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.Reap(now)
		case <-ctx.Done():
			return
		}
	}
}

// Reap closes every session idle at now and returns their IDs.
func (r *Reaper) Reap(now time.Time) []string {
	idle := func(sess *Session) bool {
		return sess.ListenerCount() == 0 && now.Sub(sess.LastActive()) > r.timeout
	}

	var reaped []string
	for _, sess := range r.service.Sessions() {
		if !r.service.closeIf(sess.ID(), sess, idle) {
			continue
		}
		reaped = append(reaped, sess.ID())
		r.logger.Info("idle agent session reaped",
			"session_id", sess.ID(),
			"idle_for", now.Sub(sess.LastActive()).Round(time.Second),
		)
	}
	return reaped
}
