package queuebus

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/triangulate-io/core/internal/model"
)

// Handler processes one claimed job. An error return triggers the bus's
// retry/dead-letter policy; a nil return marks the job done.
type Handler func(ctx context.Context, job model.QueueJob) error

// ConsumerConfig controls polling cadence and the retry/dead-letter policy
// for one registered consumer.
type ConsumerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Consumer polls one queue and invokes a handler for each claimed job,
// matching the teacher's Worker.run loop: a select-driven loop that sleeps
// with jitter between empty polls and backs off briefly on error.
type Consumer struct {
	bus     *Bus
	queue   string
	handler Handler
	cfg     ConsumerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer registers a handler for queue.
func NewConsumer(bus *Bus, queue string, handler Handler, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		bus:     bus,
		queue:   queue,
		handler: handler,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the poll loop in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	log := slog.With("queue", c.queue)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			processed, err := c.pollOnce(ctx)
			if err != nil {
				log.Error("consumer poll failed", "error", err)
				c.sleep(time.Second)
				continue
			}
			if !processed {
				c.sleep(c.jitteredPollInterval())
			}
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) (bool, error) {
	job, err := c.bus.claim(ctx, c.queue)
	if err != nil {
		if err == ErrNoJobsAvailable {
			return false, nil
		}
		return false, err
	}

	if hErr := c.handler(ctx, *job); hErr != nil {
		slog.Warn("job handler failed", "queue", c.queue, "job_id", job.ID, "attempt", job.Attempt, "error", hErr)
		if err := c.bus.fail(ctx, job, c.cfg.RetryAttempts, c.cfg.RetryDelay); err != nil {
			return true, err
		}
		return true, nil
	}

	return true, c.bus.complete(ctx, job.ID)
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) jitteredPollInterval() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(c.cfg.PollInterval) / 2))
	return c.cfg.PollInterval/2 + jitter
}
