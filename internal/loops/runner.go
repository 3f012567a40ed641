// Package loops runs the relay's periodic control loops: lease reclaim, TTL
// sweep, heartbeat timeout and webhook retry. Each loop is an interval job
// in singleton mode, so a slow tick is skipped rather than overlapped, and
// each tick is bounded to a configurable batch. Loops only ever use the
// store's conditional updates — they cannot stomp a concurrent lifecycle
// transition, and one bad record never halts a sweep.
package loops

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/hub"
	"github.com/admp-io/relay/internal/metrics"
	"github.com/admp-io/relay/internal/store"
	"github.com/admp-io/relay/internal/webhook"
)

// tickBatch bounds how many records one tick of a sweep may touch.
const tickBatch = 500

// tickTimeout bounds one tick end to end.
const tickTimeout = 30 * time.Second

// heartbeatSweepInterval is how often stale heartbeats are checked; the
// staleness cutoff itself comes from HEARTBEAT_TIMEOUT_MS.
const heartbeatSweepInterval = time.Minute

// Runner wraps gocron and owns the four control loops.
type Runner struct {
	cron     gocron.Scheduler
	store    store.Store
	cfg      *config.Config
	webhooks *webhook.Dispatcher
	hub      *hub.Hub
	logger   *zap.Logger
}

// New creates a Runner. Call Start to begin ticking.
func New(st store.Store, cfg *config.Config, wh *webhook.Dispatcher, h *hub.Hub, logger *zap.Logger) (*Runner, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("loops: create scheduler: %w", err)
	}
	return &Runner{
		cron:     s,
		store:    st,
		cfg:      cfg,
		webhooks: wh,
		hub:      h,
		logger:   logger.Named("loops"),
	}, nil
}

// Start registers the loops at their configured cadences and starts the
// underlying scheduler. Call once at startup.
func (r *Runner) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		tick     func(ctx context.Context)
	}{
		{"lease-reclaim", r.cfg.LeaseReclaimInterval, r.reclaimTick},
		{"ttl-sweep", r.cfg.CleanupInterval, r.ttlTick},
		{"heartbeat-timeout", heartbeatSweepInterval, r.heartbeatTick},
		{"webhook-retry", r.cfg.WebhookRetryInterval, r.webhookTick},
	}

	for _, j := range jobs {
		tick := j.tick
		_, err := r.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
				defer cancel()
				tick(ctx)
			}),
			gocron.WithTags(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("loops: schedule %s: %w", j.name, err)
		}
	}

	r.cron.Start()
	r.logger.Info("control loops started",
		zap.Duration("lease_reclaim", r.cfg.LeaseReclaimInterval),
		zap.Duration("ttl_sweep", r.cfg.CleanupInterval),
		zap.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout),
		zap.Duration("webhook_retry", r.cfg.WebhookRetryInterval))
	return nil
}

// Stop shuts the scheduler down, waiting for running ticks to finish.
func (r *Runner) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("loops: shutdown: %w", err)
	}
	r.logger.Info("control loops stopped")
	return nil
}

// reclaimTick returns expired leases to delivered (counting the failed
// attempt) or dead-letters them past the ceiling.
func (r *Runner) reclaimTick(ctx context.Context) {
	res, err := r.store.ReclaimExpiredLeases(ctx, time.Now().UTC(), r.cfg.MaxLeaseAttempts, tickBatch)
	if err != nil {
		r.logger.Error("lease reclaim failed", zap.Error(err))
		return
	}
	if res.Reclaimed > 0 || res.DeadLettered > 0 {
		metrics.LeasesReclaimed.Add(float64(res.Reclaimed))
		for i := int64(0); i < res.DeadLettered; i++ {
			metrics.MessagesFinalized.WithLabelValues(store.StatusDead).Inc()
		}
		r.logger.Info("leases reclaimed",
			zap.Int64("reclaimed", res.Reclaimed),
			zap.Int64("dead_lettered", res.DeadLettered))
	}
}

// ttlTick expires messages past their TTL and purges ephemeral bodies.
func (r *Runner) ttlTick(ctx context.Context) {
	n, err := r.store.ExpireMessages(ctx, time.Now().UTC(), tickBatch)
	if err != nil {
		r.logger.Error("ttl sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		for i := int64(0); i < n; i++ {
			metrics.MessagesFinalized.WithLabelValues(store.StatusExpired).Inc()
		}
		r.logger.Info("messages expired", zap.Int64("count", n))
	}
}

// heartbeatTick marks agents offline once their heartbeat goes stale and
// announces the transition on their status topic.
func (r *Runner) heartbeatTick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.HeartbeatTimeout)
	flipped, err := r.store.MarkAgentsOffline(ctx, cutoff)
	if err != nil {
		r.logger.Error("heartbeat sweep failed", zap.Error(err))
		return
	}
	for _, id := range flipped {
		metrics.AgentsOnline.Dec()
		if r.hub != nil {
			r.hub.Publish(hub.AgentTopic(id), hub.Event{
				Type:    hub.EvAgentStatus,
				Topic:   hub.AgentTopic(id),
				Payload: map[string]string{"status": store.AgentOffline},
			})
		}
	}
	if len(flipped) > 0 {
		r.logger.Info("agents marked offline", zap.Int("count", len(flipped)))
	}
}

// webhookTick drives due webhook retries.
func (r *Runner) webhookTick(ctx context.Context) {
	if err := r.webhooks.RetryDue(ctx, time.Now().UTC(), tickBatch); err != nil {
		r.logger.Error("webhook retry sweep failed", zap.Error(err))
	}
}
