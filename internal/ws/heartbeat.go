package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls liveness checks.
type HeartbeatConfig struct {
	Interval    time.Duration // ping period
	IdleTimeout time.Duration // eviction after this long without an inbound frame
}

// DefaultHeartbeatConfig pings every 15s and evicts after 30s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    15 * time.Second,
		IdleTimeout: 30 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and removes those idle
// longer than IdleTimeout. It returns when the server shuts down.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(now, config)
			}
		}
	}()
}

func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) {
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		if idle > config.IdleTimeout {
			s.log.Info("heartbeat timeout", zap.String("conn", c.ID()), zap.String("user", c.UserID()),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug("heartbeat ping failed", zap.String("conn", c.ID()), zap.Error(err))
			s.RemoveConnection(c)
			continue
		}
		s.hub.Touch(s.ctx, c)
	}
}
