package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/gate"
	"github.com/example/fishspeech-server/internal/metrics"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokens"
)

// ErrStopped is returned for jobs submitted to, or pending in, a scheduler
// that has shut down.
var ErrStopped = errors.New("engine: scheduler stopped")

type SchedulerOptions struct {
	// BatchSize caps how many queued jobs one worker decodes together.
	BatchSize int
	// BatchWindow is how long a worker waits for more jobs after the first.
	BatchWindow time.Duration
	// QueueSize bounds jobs waiting for a worker. Submit blocks when full.
	QueueSize int
	Logger    *slog.Logger
}

type job struct {
	ctx    context.Context
	seq    prompt.Sequence
	args   SamplingArgs
	queued time.Time
	result chan jobResult
}

type jobResult struct {
	codes []tokens.Matrix
	err   error
}

// Scheduler hands generation jobs to one worker per model instance. A
// worker holds a gate permit for the whole decode of a job or batch. Once
// a decode has started it runs to completion even if the caller goes away.
type Scheduler struct {
	gate   *gate.Gate
	layout prompt.Layout
	models []backend.Model
	opts   SchedulerOptions
	logger *slog.Logger

	queue chan *job
	done  chan struct{}
	once  sync.Once
}

func NewScheduler(g *gate.Gate, layout prompt.Layout, models []backend.Model, opts SchedulerOptions) (*Scheduler, error) {
	if len(models) == 0 {
		return nil, errors.New("engine: scheduler needs at least one model")
	}
	if len(models) > g.Capacity() {
		return nil, fmt.Errorf("engine: %d models exceed gate capacity %d", len(models), g.Capacity())
	}
	for i, m := range models {
		if m.Variant() != layout.Variant {
			return nil, apperr.Configuration("model %d variant %s does not match layout %s", i, m.Variant(), layout.Variant)
		}
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		gate:   g,
		layout: layout,
		models: models,
		opts:   opts,
		logger: opts.Logger,
		queue:  make(chan *job, opts.QueueSize),
		done:   make(chan struct{}),
	}, nil
}

// Run starts the workers and blocks until ctx is done and every in-flight
// decode has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, m := range s.models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, i, m)
		}()
	}
	wg.Wait()

	s.once.Do(func() { close(s.done) })
	s.drain()
	return nil
}

// Submit enqueues seq and waits for its codes. If ctx ends before a worker
// picks the job up, the job is dropped.
func (s *Scheduler) Submit(ctx context.Context, seq prompt.Sequence, args SamplingArgs) ([]tokens.Matrix, error) {
	if len(seq.Prompts) == 0 {
		return nil, apperr.Input("no text chunks to generate")
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}

	j := &job{ctx: ctx, seq: seq, args: args, queued: time.Now(), result: make(chan jobResult, 1)}

	select {
	case <-s.done:
		return nil, ErrStopped
	default:
	}

	select {
	case s.queue <- j:
		metrics.AddQueueDepth(1)
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.result:
		return r.codes, r.err
	case <-s.done:
		// Workers have exited, so any result is already buffered.
		select {
		case r := <-j.result:
			return r.codes, r.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetCaches clears every model's cache with all gate slots held.
func (s *Scheduler) ResetCaches(ctx context.Context) error {
	return s.gate.DoAll(ctx, func() error {
		for _, m := range s.models {
			m.ResetCache()
		}
		return nil
	})
}

func (s *Scheduler) worker(ctx context.Context, id int, model backend.Model) {
	log := s.logger.With("worker", id)
	for {
		var first *job
		select {
		case <-ctx.Done():
			return
		case first = <-s.queue:
			metrics.AddQueueDepth(-1)
		}

		jobs := s.collect(ctx, first)
		jobs = live(jobs)
		if len(jobs) == 0 {
			continue
		}

		s.runJobs(ctx, log, model, jobs)
	}
}

// collect gathers up to BatchSize jobs within the batching window.
func (s *Scheduler) collect(ctx context.Context, first *job) []*job {
	jobs := []*job{first}
	if s.opts.BatchSize == 1 {
		return jobs
	}

	timer := time.NewTimer(s.opts.BatchWindow)
	defer timer.Stop()

	for len(jobs) < s.opts.BatchSize {
		select {
		case j := <-s.queue:
			metrics.AddQueueDepth(-1)
			jobs = append(jobs, j)
		case <-timer.C:
			return jobs
		case <-ctx.Done():
			return jobs
		}
	}
	return jobs
}

// live drops jobs whose caller has already gone.
func live(jobs []*job) []*job {
	out := jobs[:0]
	for _, j := range jobs {
		if err := j.ctx.Err(); err != nil {
			j.result <- jobResult{err: err}
			continue
		}
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) runJobs(ctx context.Context, log *slog.Logger, model backend.Model, jobs []*job) {
	permit, err := s.gate.Acquire(ctx)
	if err != nil {
		for _, j := range jobs {
			j.result <- jobResult{err: ErrStopped}
		}
		return
	}
	defer permit.Release()

	mode := "single"
	if len(jobs) > 1 {
		mode = "batch"
	}
	metrics.RecordBatchSize(len(jobs))
	start := time.Now()

	// Decoding is not interrupted by shutdown or by callers leaving.
	dctx := context.WithoutCancel(ctx)
	results, err := s.decode(dctx, log, model, jobs)

	status := "ok"
	if err != nil {
		status = string(apperr.KindOf(err))
		log.Error("generation failed", "mode", mode, "jobs", len(jobs), "error", err)
	}
	frames := 0
	for _, r := range results {
		for _, c := range r {
			frames += c.Cols()
		}
	}
	metrics.RecordGeneration(mode, status, frames, time.Since(start).Seconds())

	for i, j := range jobs {
		if err != nil {
			j.result <- jobResult{err: err}
			continue
		}
		j.result <- jobResult{codes: results[i]}
	}
}

func (s *Scheduler) decode(ctx context.Context, log *slog.Logger, model backend.Model, jobs []*job) (results [][]tokens.Matrix, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during decode", "panic", r, "stack", string(debug.Stack()))
			results, err = nil, apperr.Backend(fmt.Errorf("engine: panic during decode: %v", r))
		}
	}()

	if len(jobs) == 1 {
		sess, err := NewSession(model, s.layout, jobs[0].args, WithLogger(log))
		if err != nil {
			return nil, err
		}
		codes, err := sess.GenerateChunks(ctx, jobs[0].seq)
		if err != nil {
			return nil, err
		}
		return [][]tokens.Matrix{codes}, nil
	}

	reqs := make([]BatchRequest, len(jobs))
	for i, j := range jobs {
		args := j.args
		reqs[i] = BatchRequest{Sequence: j.seq, Args: &args}
	}
	return GenerateBatch(ctx, model, s.layout, reqs, jobs[0].args)
}

// drain fails every job still queued after the workers have exited.
func (s *Scheduler) drain() {
	for {
		select {
		case j := <-s.queue:
			metrics.AddQueueDepth(-1)
			j.result <- jobResult{err: ErrStopped}
		default:
			return
		}
	}
}
