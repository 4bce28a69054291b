package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shellquest/internal/metrics"
)

// ContainerRemover tears down a session's container.
type ContainerRemover interface {
	Remove(ctx context.Context, containerID string) error
}

// CleanupLoop periodically reaps sessions past their idle or absolute
// deadline, removing their containers and dropping them from the registry.
type CleanupLoop struct {
	sessions   *Manager
	containers ContainerRemover
	interval   time.Duration
	log        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewCleanupLoop wires a cleanup loop; call Start to run it.
func NewCleanupLoop(sessions *Manager, containers ContainerRemover, interval time.Duration, log *zap.Logger) *CleanupLoop {
	return &CleanupLoop{
		sessions:   sessions,
		containers: containers,
		interval:   interval,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start runs the loop in a goroutine. The first sweep happens immediately,
// then every interval.
func (c *CleanupLoop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)

		c.sweep(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for any in-flight sweep to finish.
func (c *CleanupLoop) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

func (c *CleanupLoop) sweep(ctx context.Context) {
	expired := c.sessions.ListExpired()
	for _, s := range expired {
		if err := c.containers.Remove(ctx, s.ContainerID); err != nil {
			// The session is dropped regardless: a container that
			// resisted removal will be caught by the next full cleanup.
			c.log.Warn("remove expired session container",
				zap.String("session_id", s.ID),
				zap.String("container_id", s.ContainerID),
				zap.Error(err))
		} else {
			metrics.ContainersCleaned.Inc()
		}

		c.sessions.MarkExpired(s.ID)
		c.log.Info("session expired",
			zap.String("session_id", s.ID),
			zap.Uint("user_id", s.UserID),
			zap.Uint("challenge_id", s.ChallengeID))
	}
}
