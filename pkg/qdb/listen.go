package qdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qdb/qdb_sdk_go/internal/httpx"
)

// ListenOptions tunes the notification poll loop.
type ListenOptions struct {
	// Interval between polls. Defaults to one second.
	Interval time.Duration
	// MaxBackoff caps the delay after consecutive poll failures.
	MaxBackoff time.Duration
	// MaxPollFailures is the number of consecutive failed polls tolerated
	// before Listen gives up. Zero means the default, negative means never.
	MaxPollFailures int
}

const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollBackoff  = 30 * time.Second
	DefaultMaxPollFailures = 5
)

func (o ListenOptions) withDefaults() ListenOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = DefaultMaxPollBackoff
		if o.MaxBackoff < o.Interval {
			o.MaxBackoff = o.Interval
		}
	}
	if o.MaxPollFailures == 0 {
		o.MaxPollFailures = DefaultMaxPollFailures
	}
	return o
}

// Listen registers cfg once, then polls every opts.Interval and hands each
// notification to handler, in server order. It returns nil when ctx is
// cancelled, including during registration, the registration error if registering fails, or an
// ErrTransport error after too many consecutive poll failures.
func (s *Session) Listen(ctx context.Context, cfg NotificationConfig, handler func(Notification), opts ListenOptions) error {
	if handler == nil {
		return errors.New("qdb: notification handler is required")
	}
	opts = opts.withDefaults()

	tokens, err := s.RegisterNotification(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger := s.client.logger.WithFields(log.Fields{
		"target": cfg.Target.String(),
		"field":  cfg.Field,
	})
	logger.WithField("tokens", len(tokens)).Info("qdb.listen.registered")

	backoff := httpx.NewBackoff(opts.Interval, opts.MaxBackoff, 0.1)
	wait := opts.Interval
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return nil
		}

		notifications, err := s.PollNotifications(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if opts.MaxPollFailures > 0 && failures >= opts.MaxPollFailures {
				return fmt.Errorf("qdb: giving up after %d failed polls: %w", failures, err)
			}
			wait = backoff.ForAttempt(failures - 1)
			logger.WithError(err).WithFields(log.Fields{
				"failures": failures,
				"retry_in": wait.String(),
			}).Warn("qdb.listen.poll_failed")
			continue
		}

		failures = 0
		wait = opts.Interval
		logger.WithField("notifications", len(notifications)).Debug("qdb.listen.poll")
		for _, n := range notifications {
			handler(n)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
