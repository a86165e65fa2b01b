package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
)

// RecorderOptions tune the async registration queue.
type RecorderOptions struct {
	BufferSize  int
	Workers     int
	MaxAttempts uint
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Metrics     *metrics.Metrics
}

func (o *RecorderOptions) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxAttempts == 0 || o.MaxAttempts > 5 {
		o.MaxAttempts = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
}

type job struct {
	topic   string
	payload []byte
	then    func(Receipt)
}

// Recorder queues registrations and delivers them from background workers,
// retrying with capped exponential backoff. Failures are logged and counted,
// never returned to the producer.
type Recorder struct {
	ledger Ledger
	opts   RecorderOptions
	queue  chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRecorder(l Ledger, opts RecorderOptions) *Recorder {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		ledger: l,
		opts:   opts,
		queue:  make(chan job, opts.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers.
func (r *Recorder) Start() {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop closes the queue and waits for queued records to be delivered. If ctx
// ends first, in-flight retries are abandoned.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Record queues payload under topic. It returns false when the record was
// shed because the queue is full or the recorder is stopped.
func (r *Recorder) Record(topic string, payload []byte) bool {
	return r.RecordThen(topic, payload, nil)
}

// RecordThen is Record with a callback run on the worker after a successful
// registration.
func (r *Recorder) RecordThen(topic string, payload []byte, then func(Receipt)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.opts.Metrics.ObserveLedger(topic, "shed")
		return false
	}

	select {
	case r.queue <- job{topic: topic, payload: payload, then: then}:
		r.opts.Metrics.SetLedgerQueueDepth(len(r.queue))
		return true
	default:
		r.opts.Metrics.ObserveLedger(topic, "shed")
		logger.Warn(r.ctx, "ledger queue full, record dropped", "topic", topic)
		return false
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.opts.Metrics.SetLedgerQueueDepth(len(r.queue))
		r.deliver(j)
	}
}

func (r *Recorder) deliver(j job) {
	var receipt Receipt

	retrier := retry.New(
		retry.Context(r.ctx),
		retry.Attempts(r.opts.MaxAttempts),
		retry.Delay(r.opts.BaseDelay),
		retry.MaxDelay(r.opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	err := retrier.Do(func() error {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.Timeout)
		defer cancel()

		res, err := r.ledger.RegisterRecord(ctx, j.topic, j.payload)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Permanent() {
				return retry.Unrecoverable(err)
			}
			return err
		}
		receipt = res
		return nil
	})
	if err != nil {
		r.opts.Metrics.ObserveLedger(j.topic, "failed")
		logger.Error(r.ctx, "ledger registration failed", "topic", j.topic, "error", err)
		return
	}

	r.opts.Metrics.ObserveLedger(j.topic, "ok")
	if j.then != nil {
		j.then(receipt)
	}
}
