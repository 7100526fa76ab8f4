package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/metrics"
)

// HeartbeatConfig controls liveness checks. A connection that has not sent
// a frame for Interval+Timeout is closed.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultHeartbeatConfig pings every 30s and allows 10s of slack.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

// Deadline is how long a connection may stay silent before it is evicted.
func (h HeartbeatConfig) Deadline() time.Duration {
	return h.Interval + h.Timeout
}

type heartbeat struct {
	srv *Server
	cfg HeartbeatConfig
}

// sweepResult tallies one pass over the live connections.
type sweepResult struct {
	pinged     int
	idle       int
	pingFailed int
}

// run sweeps every Interval until ctx is done.
func (h heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res := h.sweep(ctx, now)
			if res.idle+res.pingFailed > 0 {
				h.srv.log.Info("heartbeat sweep",
					zap.Int("pinged", res.pinged), zap.Int("idle", res.idle), zap.Int("ping_failed", res.pingFailed))
			}
		}
	}
}

// sweep closes silent connections and pings the rest. Browsers answer pings
// on their own, and any inbound frame counts as activity. Surviving
// connections get their mirrored session refreshed. The reader goroutine of
// a closed connection unregisters it.
func (h heartbeat) sweep(ctx context.Context, now time.Time) sweepResult {
	var res sweepResult
	deadline := h.cfg.Deadline()

	for _, c := range h.srv.Connections().All() {
		if idle := now.Sub(c.LastActivity()); idle > deadline {
			h.srv.log.Debug("evict idle connection",
				zap.String("conn_id", c.ID()), zap.Duration("idle", idle.Round(time.Second)))
			metrics.HeartbeatEvictions.WithLabelValues("idle").Inc()
			res.idle++
			_ = c.Close()
			continue
		}
		if err := c.WritePing(); err != nil {
			h.srv.log.Debug("ping failed", zap.String("conn_id", c.ID()), zap.Error(err))
			metrics.HeartbeatEvictions.WithLabelValues("ping_failed").Inc()
			res.pingFailed++
			_ = c.Close()
			continue
		}
		res.pinged++

		if h.srv.refresher != nil {
			if err := h.srv.refresher.RefreshTTL(ctx, c.ID()); err != nil {
				h.srv.log.Debug("refresh session ttl", zap.String("conn_id", c.ID()), zap.Error(err))
			}
		}
	}
	return res
}
