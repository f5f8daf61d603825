package duplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdup/catalog"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrRemoved is returned when starting a duplicator that has been removed.
var ErrRemoved = errors.New("duplication has been removed")

// LogSource is the read side of a partition log. *wal.WAL implements it.
type LogSource interface {
	Dir() string
	Partition() core.PartitionID
	MaxCommitOnDisk() core.Decree
	WaitForDecree(ctx context.Context, d core.Decree) error
	WaitForCommitted(ctx context.Context, d core.Decree) error
}

// BackoffConfig shapes the wait between retries of a transiently failed
// batch. Retries never stop on their own.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoff is used for zero fields of Options.Backoff.
var DefaultBackoff = BackoffConfig{
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         5 * time.Second,
	Multiplier:          2,
	RandomizationFactor: 0.2,
}

// Options configures a Duplicator.
type Options struct {
	// MaxBatchMutations bounds the number of mutations per shipped batch.
	MaxBatchMutations int
	// MaxBatchBytes bounds the encoded size of a batch. A single larger
	// mutation is still shipped alone.
	MaxBatchBytes int
	// ShipTimeout bounds one Ship attempt.
	ShipTimeout    time.Duration
	Backoff        BackoffConfig
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	Metrics        *Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxBatchMutations <= 0 {
		o.MaxBatchMutations = 512
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 1 << 20
	}
	if o.ShipTimeout <= 0 {
		o.ShipTimeout = 10 * time.Second
	}
	if o.Backoff.InitialInterval <= 0 {
		o.Backoff.InitialInterval = DefaultBackoff.InitialInterval
	}
	if o.Backoff.MaxInterval <= 0 {
		o.Backoff.MaxInterval = DefaultBackoff.MaxInterval
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = DefaultBackoff.Multiplier
	}
	if o.Backoff.RandomizationFactor < 0 || o.Backoff.RandomizationFactor >= 1 {
		o.Backoff.RandomizationFactor = DefaultBackoff.RandomizationFactor
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
}

// worker is one running generation of the shipping pipeline.
type worker struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	stopping   bool
}

// Duplicator ships the committed mutations of one partition log to one
// remote cluster, in decree order and at least once.
type Duplicator struct {
	id     core.DupID
	remote string
	log    LogSource
	sink   BacklogSink
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	view       View
	generation uint64
	worker     *worker
}

// New creates a duplicator from its metadata entry. The entry's confirmed
// decree becomes both the confirmed and the last decree of the initial view.
func New(entry core.DuplicationEntry, log LogSource, sink BacklogSink, opts Options) *Duplicator {
	opts.applyDefaults()
	pid := log.Partition()
	return &Duplicator{
		id:     entry.DupID,
		remote: entry.RemoteAddress,
		log:    log,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With("component", "Duplicator", "dup_id", entry.DupID, "partition", pid.String(), "remote", entry.RemoteAddress),
		tracer: opts.TracerProvider.Tracer("github.com/INLOpen/nexusdup/duplication"),
		view: View{
			Status:          entry.Status,
			ConfirmedDecree: entry.ConfirmedDecree,
			LastDecree:      entry.ConfirmedDecree,
		},
	}
}

func (d *Duplicator) ID() core.DupID               { return d.id }
func (d *Duplicator) RemoteAddress() string        { return d.remote }
func (d *Duplicator) Partition() core.PartitionID { return d.log.Partition() }

// View returns the current snapshot.
func (d *Duplicator) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// UpdateState applies fn to the current snapshot under the duplicator's lock.
// Decrees are merged so they never move backwards. Status and Failure from
// fn are taken only while no pipeline is running and the duplicator is not
// removed; Start, Pause and Remove own the lifecycle of a live pipeline.
func (d *Duplicator) UpdateState(fn func(View) View) {
	d.mu.Lock()
	cur := d.view
	next := fn(cur)
	merged := cur.SetConfirmedDecree(next.ConfirmedDecree).SetLastDecree(next.LastDecree)
	if d.worker == nil && cur.Status != core.DuplicationRemoved {
		merged = merged.SetStatus(next.Status).SetFailure(next.Failure)
	}
	d.view = merged
	d.mu.Unlock()

	d.notifyStatus(cur.Status, merged.Status)
}

// Start positions the pipeline at ConfirmedDecree+1 and begins shipping. It
// is a no-op on a running duplicator. A failure to open the log is returned;
// a resume point that was already reclaimed, or a corrupted log, also stops
// the duplicator with a permanent failure recorded in the view.
func (d *Duplicator) Start() error {
	d.mu.Lock()
	// Wait for a paused generation to wind down so batches never overlap.
	for d.worker != nil && d.worker.stopping {
		done := d.worker.done
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}

	if d.view.Status == core.DuplicationRemoved {
		d.mu.Unlock()
		return ErrRemoved
	}
	if d.worker != nil {
		d.mu.Unlock()
		return nil
	}

	from := d.view.ConfirmedDecree + 1
	reader, err := catalog.NewReader(d.log.Dir(), d.log.Partition(), from)
	if err != nil {
		err = fmt.Errorf("failed to position duplication %d at decree %d: %w", d.id, from, err)
		if errors.Is(err, core.ErrDecreeReclaimed) || core.IsCorruption(err) {
			prev := d.view.Status
			d.view = d.view.SetStatus(core.DuplicationPaused).SetFailure(err)
			d.mu.Unlock()
			d.reportFailure(prev, err)
			return err
		}
		d.mu.Unlock()
		return err
	}

	d.generation++
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{generation: d.generation, cancel: cancel, done: make(chan struct{})}
	d.worker = w
	prev := d.view.Status
	d.view = d.view.SetStatus(core.DuplicationRunning).SetFailure(nil)
	d.mu.Unlock()

	d.logger.Info("Duplication started", "from_decree", from, "generation", w.generation)
	d.notifyStatus(prev, core.DuplicationRunning)
	go d.run(ctx, w, reader)
	return nil
}

// Resume restarts a paused duplicator from its last confirmed decree.
func (d *Duplicator) Resume() error {
	return d.Start()
}

// Pause stops shipping. An in-flight batch is cancelled and shipped again
// after the next Start. Pause does not wait; use WaitAll for that.
func (d *Duplicator) Pause() {
	d.mu.Lock()
	if d.view.Status == core.DuplicationRemoved {
		d.mu.Unlock()
		return
	}
	if d.worker != nil && !d.worker.stopping {
		d.worker.stopping = true
		d.worker.cancel()
	}
	prev := d.view.Status
	d.view = d.view.SetStatus(core.DuplicationPaused)
	d.mu.Unlock()

	if prev != core.DuplicationPaused {
		d.logger.Info("Duplication paused")
		d.notifyStatus(prev, core.DuplicationPaused)
	}
}

// WaitAll blocks until no pipeline goroutine of this duplicator is running.
// On a running duplicator it returns only after a Pause, Remove or failure.
func (d *Duplicator) WaitAll() {
	for {
		d.mu.Lock()
		w := d.worker
		d.mu.Unlock()
		if w == nil {
			return
		}
		<-w.done
	}
}

// Remove stops the duplicator for good and waits for its pipeline to exit.
func (d *Duplicator) Remove() {
	d.mu.Lock()
	if d.view.Status == core.DuplicationRemoved {
		d.mu.Unlock()
		return
	}
	if d.worker != nil && !d.worker.stopping {
		d.worker.stopping = true
		d.worker.cancel()
	}
	prev := d.view.Status
	d.view = d.view.SetStatus(core.DuplicationRemoved)
	d.mu.Unlock()

	d.WaitAll()
	d.logger.Info("Duplication removed", "confirmed_decree", d.View().ConfirmedDecree)
	d.notifyStatus(prev, core.DuplicationRemoved)
}

// run is the shipping loop of one generation.
func (d *Duplicator) run(ctx context.Context, w *worker, reader *catalog.Reader) {
	defer func() {
		reader.Close()
		d.mu.Lock()
		if d.worker == w {
			d.worker = nil
		}
		d.mu.Unlock()
		close(w.done)
	}()

	var pending *core.Mutation
	for {
		batch, next, err := d.loadBatch(ctx, reader, pending)
		pending = next
		if err != nil {
			if ctx.Err() == nil {
				d.fail(w, err)
			}
			return
		}

		if !d.updateIfCurrent(w, func(v View) View { return v.SetLastDecree(batch.LastDecree()) }) {
			return
		}

		attempts, err := d.ship(ctx, batch)
		if err != nil {
			if ctx.Err() == nil {
				d.fail(w, err)
			}
			return
		}

		var confirmed core.Decree
		if !d.updateIfCurrent(w, func(v View) View {
			v = v.SetConfirmedDecree(batch.LastDecree())
			confirmed = v.ConfirmedDecree
			return v
		}) {
			return
		}
		d.opts.Metrics.recordShip(len(batch.Mutations))
		d.trigger(hooks.NewPostDuplicationShipEvent(hooks.DuplicationShipPayload{
			DupID:           d.id,
			Partition:       batch.Partition,
			RemoteAddress:   d.remote,
			FirstDecree:     batch.FirstDecree(),
			LastDecree:      batch.LastDecree(),
			Mutations:       len(batch.Mutations),
			Attempts:        attempts,
			ConfirmedDecree: confirmed,
		}))
	}
}

// loadBatch collects the next batch. It blocks until at least one committed,
// non-empty mutation is available, then adds whatever else is readable
// without waiting. A mutation that does not fit, or is not committed yet, is
// returned as the pending mutation for the next batch.
func (d *Duplicator) loadBatch(ctx context.Context, reader *catalog.Reader, pending *core.Mutation) (Batch, *core.Mutation, error) {
	batch := Batch{Partition: d.log.Partition()}
	size := 0

	for {
		m := pending
		pending = nil
		if m == nil {
			var err error
			if len(batch.Mutations) == 0 {
				m, err = reader.Follow(ctx, d.log)
			} else {
				m, err = reader.Next()
				if errors.Is(err, catalog.ErrNoNewEntries) {
					return batch, nil, nil
				}
			}
			if err != nil {
				return batch, nil, err
			}
		}

		if m.IsEmpty() {
			continue
		}
		if m.Decree > d.log.MaxCommitOnDisk() {
			if len(batch.Mutations) > 0 {
				return batch, m, nil
			}
			if err := d.log.WaitForCommitted(ctx, m.Decree); err != nil {
				return batch, m, err
			}
		}
		if len(batch.Mutations) > 0 && size+m.EncodedSize() > d.opts.MaxBatchBytes {
			return batch, m, nil
		}

		batch.Mutations = append(batch.Mutations, m)
		size += m.EncodedSize()
		if len(batch.Mutations) >= d.opts.MaxBatchMutations || size >= d.opts.MaxBatchBytes {
			return batch, nil, nil
		}
	}
}

// ship hands the batch to the sink, retrying transient failures with the
// configured backoff until it succeeds, fails permanently or ctx ends.
func (d *Duplicator) ship(ctx context.Context, batch Batch) (int, error) {
	attempts := 0
	operation := func() (Ack, error) {
		attempts++
		shipCtx, cancel := context.WithTimeout(ctx, d.opts.ShipTimeout)
		defer cancel()

		spanCtx, span := d.tracer.Start(shipCtx, "Duplicator.Ship", trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
		span.SetAttributes(
			attribute.Int("dup.id", int(d.id)),
			attribute.String("dup.partition", batch.Partition.String()),
			attribute.String("dup.remote", d.remote),
			attribute.Int64("dup.first_decree", batch.FirstDecree()),
			attribute.Int64("dup.last_decree", batch.LastDecree()),
			attribute.Int("dup.mutations", len(batch.Mutations)),
			attribute.Int("dup.attempt", attempts),
		)

		started := time.Now()
		ack, err := d.sink.Ship(spanCtx, batch)
		d.opts.Metrics.observeShipLatency(time.Since(started))
		if err == nil && ack.LastDecree < batch.LastDecree() {
			err = Transient(fmt.Errorf("sink acknowledged decree %d of a batch ending at %d", ack.LastDecree, batch.LastDecree()))
		}
		if err != nil {
			d.opts.Metrics.recordShipFailure()
			span.RecordError(err)
			span.SetStatus(codes.Error, "ship_failed")
			return ack, err
		}
		span.SetAttributes(attribute.Int64("dup.ack_decree", ack.LastDecree))
		return ack, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.Backoff.InitialInterval
	b.MaxInterval = d.opts.Backoff.MaxInterval
	b.Multiplier = d.opts.Backoff.Multiplier
	b.RandomizationFactor = d.opts.Backoff.RandomizationFactor

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("Shipping batch failed, retrying", "first_decree", batch.FirstDecree(), "last_decree", batch.LastDecree(), "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	return attempts, err
}

// updateIfCurrent applies fn to the view only while w is the live generation
// and the duplicator is running.
func (d *Duplicator) updateIfCurrent(w *worker, fn func(View) View) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.worker != w || w.stopping || w.generation != d.generation || d.view.Status != core.DuplicationRunning {
		return false
	}
	d.view = fn(d.view)
	return true
}

// fail stops generation w with a permanent error.
func (d *Duplicator) fail(w *worker, err error) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	d.mu.Lock()
	if d.worker != w || w.stopping || d.view.Status == core.DuplicationRemoved {
		d.mu.Unlock()
		return
	}
	w.stopping = true
	w.cancel()
	prev := d.view.Status
	d.view = d.view.SetStatus(core.DuplicationPaused).SetFailure(err)
	d.mu.Unlock()

	d.reportFailure(prev, err)
}

func (d *Duplicator) reportFailure(prev core.DuplicationStatus, err error) {
	view := d.View()
	d.logger.Error("Duplication stopped by a permanent failure", "confirmed_decree", view.ConfirmedDecree, "last_decree", view.LastDecree, "error", err)
	d.opts.Metrics.recordPermanentFailure()
	d.trigger(hooks.NewDuplicationFailedEvent(hooks.DuplicationFailedPayload{
		DupID:           d.id,
		Partition:       d.log.Partition(),
		RemoteAddress:   d.remote,
		ConfirmedDecree: view.ConfirmedDecree,
		Err:             err,
	}))
	if prev != core.DuplicationPaused {
		d.notifyStatus(prev, core.DuplicationPaused)
	}
}

func (d *Duplicator) notifyStatus(from, to core.DuplicationStatus) {
	if from == to {
		return
	}
	d.trigger(hooks.NewDuplicationStatusEvent(hooks.DuplicationStatusPayload{
		DupID:     d.id,
		Partition: d.log.Partition(),
		From:      from,
		To:        to,
	}))
}

func (d *Duplicator) trigger(event hooks.HookEvent) {
	if d.opts.HookManager == nil {
		return
	}
	_ = d.opts.HookManager.Trigger(context.Background(), event)
}
