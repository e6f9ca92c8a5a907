package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/models"
)

const defaultPollInterval = time.Second

// Handler executes one claimed task. A nil error completes the task, any
// other error schedules a retry until MaxAttempts is exhausted.
type Handler interface {
	Handle(ctx context.Context, task *models.Task) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, task *models.Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *models.Task) error {
	return f(ctx, task)
}

// PoolOpts configures a worker pool.
type PoolOpts struct {
	DB           *gorm.DB
	Log          zerolog.Logger
	Workers      int
	PollInterval time.Duration
	ReapCron     string        // cron expression for the stale-task sweep
	StaleAfter   time.Duration // running tasks older than this get requeued
}

// Pool runs N workers draining due tasks plus a cron job requeueing
// tasks abandoned mid-run by a crashed process.
type Pool struct {
	db       *gorm.DB
	log      zerolog.Logger
	workers  int
	poll     time.Duration
	reapSpec string
	stale    time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cron     *cron.Cron
}

// NewPool builds a pool. Register handlers before Start.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("work: db is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Pool{
		db:       opts.DB,
		log:      opts.Log,
		workers:  opts.Workers,
		poll:     opts.PollInterval,
		reapSpec: opts.ReapCron,
		stale:    opts.StaleAfter,
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to a task kind.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches the workers and the reaper.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("work: pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if p.reapSpec != "" && p.stale > 0 {
		p.cron = cron.New()
		_, err := p.cron.AddFunc(p.reapSpec, func() {
			n, err := ReapStale(p.db, p.stale)
			if err != nil {
				p.log.Error().Err(err).Msg("stale task sweep failed")
				return
			}
			if n > 0 {
				p.log.Warn().Int64("requeued", n).Msg("requeued stale tasks")
			}
		})
		if err != nil {
			p.cancel()
			p.cancel = nil
			return fmt.Errorf("work: reap schedule %q: %w", p.reapSpec, err)
		}
		p.cron.Start()
	}
	return nil
}

// Stop halts the reaper and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", n).Logger()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		// Drain everything due before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := Claim(p.db)
			if errors.Is(err, ErrNoTask) {
				break
			}
			if err != nil {
				log.Error().Err(err).Msg("claim failed")
				break
			}
			p.run(ctx, log, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) run(ctx context.Context, log zerolog.Logger, task *models.Task) {
	p.mu.Lock()
	h := p.handlers[task.Kind]
	p.mu.Unlock()

	if h == nil {
		log.Error().Str("kind", task.Kind).Uint("task", task.ID).Msg("no handler for task kind")
		if _, err := Retry(p.db, task, "no handler registered"); err != nil {
			log.Error().Err(err).Uint("task", task.ID).Msg("retry bookkeeping failed")
		}
		return
	}

	if err := h.Handle(ctx, task); err != nil {
		again, rerr := Retry(p.db, task, err.Error())
		if rerr != nil {
			log.Error().Err(rerr).Uint("task", task.ID).Msg("retry bookkeeping failed")
			return
		}
		ev := log.Warn().Err(err).Str("kind", task.Kind).Uint("task", task.ID)
		if again {
			ev.Msg("task failed, will retry")
		} else {
			ev.Msg("task failed permanently")
		}
		return
	}

	if err := Complete(p.db, task.ID); err != nil {
		log.Error().Err(err).Uint("task", task.ID).Msg("complete failed")
	}
}
