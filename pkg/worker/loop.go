// Package worker runs the queue consumer loop shared by every pipeline stage.
//
// A Loop receives a bounded batch, hands each message to the stage Handler
// one at a time and settles the message according to the handler's error:
// acknowledged, left for redelivery, or dead-lettered. The loop holds no
// state between messages; all coordination happens in the job registry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/annopipe/pkg/queue"
)

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// Recorder observes settled messages. internal/metrics provides the
// prometheus implementation.
type Recorder interface {
	Observe(stage string, d Disposition, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, Disposition, time.Duration) {}

// Config configures a Loop.
type Config struct {
	// Stage names the loop in logs and metrics (e.g. "archive").
	Stage string

	// MaxMessages is the batch size per receive.
	// Default: 10
	MaxMessages int

	// WaitTime bounds how long a receive blocks for the first message.
	// Default: 20s
	WaitTime time.Duration

	// ReceiveErrorRate limits receive retries per second after a failed
	// receive so a dead endpoint does not spin the loop.
	// Default: 1
	ReceiveErrorRate float64
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages:      10,
		WaitTime:         20 * time.Second,
		ReceiveErrorRate: 1,
	}
}

// Stats counts settled messages since the loop started.
type Stats struct {
	Acked         int64
	Left          int64
	DeadLettered  int64
	ReceiveErrors int64
}

// Loop is a single-threaded consumer for one queue.
type Loop struct {
	consumer queue.Consumer
	handler  Handler
	config   Config
	logger   *zap.Logger
	recorder Recorder
	limiter  *rate.Limiter
	now      func() time.Time

	acked         atomic.Int64
	left          atomic.Int64
	deadLettered  atomic.Int64
	receiveErrors atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r != nil {
			l.recorder = r
		}
	}
}

// New creates a loop. Zero config fields take their defaults.
func New(c queue.Consumer, h Handler, cfg Config, logger *zap.Logger, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = def.WaitTime
	}
	if cfg.ReceiveErrorRate <= 0 {
		cfg.ReceiveErrorRate = def.ReceiveErrorRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		consumer: c,
		handler:  h,
		config:   cfg,
		logger:   logger.With(zap.String("stage", cfg.Stage)),
		recorder: nopRecorder{},
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReceiveErrorRate), 1),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run processes messages until ctx is cancelled. It returns nil on
// cancellation; receive failures are logged and retried.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("consumer loop started",
		zap.Int("max_messages", l.config.MaxMessages),
		zap.Duration("wait_time", l.config.WaitTime))
	defer l.logger.Info("consumer loop stopped", zap.Any("stats", l.Stats()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := l.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
	}
}

// RunOnce performs one receive and settles every message in the batch. It
// returns the number of messages handled.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	msgs, err := l.consumer.Receive(ctx, l.config.MaxMessages, l.config.WaitTime)
	if err != nil {
		if ctx.Err() == nil {
			l.receiveErrors.Add(1)
			l.logger.Warn("receive failed", zap.Error(err))
		}
		return 0, err
	}
	for _, msg := range msgs {
		l.process(ctx, msg)
	}
	return len(msgs), nil
}

func (l *Loop) process(ctx context.Context, msg queue.Message) {
	start := l.now()
	err := l.invoke(ctx, msg)
	d := Classify(err)

	log := l.logger.With(zap.String("message_id", msg.ID), zap.Int("attempts", msg.Attempts))
	switch d {
	case DispositionAck:
		if err != nil {
			log.Info("message already handled", zap.Error(err))
		} else {
			log.Debug("message handled")
		}
		if ackErr := l.consumer.Ack(ctx, msg); ackErr != nil {
			log.Warn("ack failed; message will be redelivered", zap.Error(ackErr))
		}
		l.acked.Add(1)
	case DispositionDeadLetter:
		log.Error("dead-lettering message", zap.Error(err))
		if dlErr := l.consumer.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
			log.Error("dead-letter failed; message left on queue", zap.Error(dlErr))
		}
		l.deadLettered.Add(1)
	default:
		if errors.Is(err, ErrNotReady) {
			log.Debug("message not ready", zap.Error(err))
		} else {
			log.Warn("message left for redelivery", zap.Error(err))
		}
		l.left.Add(1)
	}
	l.recorder.Observe(l.config.Stage, d, l.now().Sub(start))
}

// invoke calls the handler, turning a panic into a transient error so one
// bad message cannot stop the loop.
func (l *Loop) invoke(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return l.handler.Handle(ctx, msg)
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Acked:         l.acked.Load(),
		Left:          l.left.Load(),
		DeadLettered:  l.deadLettered.Load(),
		ReceiveErrors: l.receiveErrors.Load(),
	}
}
