package queue

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vellum-mta/vellum/queuefs"
	"github.com/vellum-mta/vellum/wire"
)

// BackoffPolicy computes the next retry interval given the interval used
// for the previous attempt (zero on the first transient failure).
type BackoffPolicy func(last time.Duration) time.Duration

// fallbackInterval replaces a backoff policy's unrepresentable
// (non-positive, or absurdly large) output.
const fallbackInterval = 4 * time.Hour

// ExponentialBackoff doubles from one minute, the default policy.
func ExponentialBackoff(last time.Duration) time.Duration {
	if last <= 0 {
		return time.Minute
	}
	next := last * 2
	if next <= last { // overflow
		return fallbackInterval
	}
	return next
}

func clampInterval(d time.Duration, log logrus.FieldLogger) time.Duration {
	if d <= 0 || d > fallbackInterval*100 {
		log.Warnf("backoff policy produced unrepresentable interval %s, falling back to %s", d, fallbackInterval)
		return fallbackInterval
	}
	return d
}

// storageRetryBase is where the never-give-up storage I/O retry loop
// starts doubling. Storage errors are infrastructure errors, not
// mail-level failures, so the loop never gives up.
const storageRetryBase = 60 * time.Second

// retryIO retries op forever on any error except queuefs.ErrVanished,
// which is a legitimate concurrent-transition signal, not a storage
// failure, and is returned immediately. The first retry is immediate
// (0s), then the delay starts at storageRetryBase and doubles.
func retryIO(ctx context.Context, log logrus.FieldLogger, op func() error) error {
	delay := time.Duration(0)
	for {
		err := op()
		if err == nil {
			return nil
		}
		if err == queuefs.ErrVanished {
			return err
		}
		log.WithError(err).Warn("queue storage operation failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay == 0 {
			delay = storageRetryBase
		} else {
			delay *= 2
		}
	}
}

// Config bundles everything an Engine needs beyond the storage root.
type Config struct {
	PollInterval  time.Duration // scheduler poll period, default 5s
	Workers       int           // dispatch worker pool size, default 4
	RecoveryGrace time.Duration // minimum inflight age before crash recovery reclaims it, default 1h
	CleanupPeriod time.Duration // cleanup-reaper sweep period, default 30s
	Backoff       BackoffPolicy // default ExponentialBackoff
	Transport     Transport
	Bounce        BounceFunc
	Events        *EventHandler
	Logger        logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = time.Hour
	}
	if c.CleanupPeriod <= 0 {
		c.CleanupPeriod = 30 * time.Second
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff
	}
	if c.Events == nil {
		c.Events = NewEventHandler()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Engine is the queue's background dispatcher and cleanup reaper, driven
// off a queuefs.Storage: a scheduler goroutine feeds due entries to a
// pool of workers that send over Transport and retry on failure.
type Engine struct {
	storage *queuefs.Storage
	cfg     Config

	due      chan QueueId
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns an Engine bound to storage, with cfg defaults filled in.
func New(storage *queuefs.Storage, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		storage: storage,
		cfg:     cfg,
		due:     make(chan QueueId, cfg.Workers*4),
		stop:    make(chan struct{}),
	}
}

func (e *Engine) log() logrus.FieldLogger { return e.cfg.Logger }

// Start performs crash recovery and launches the scheduler, dispatch
// workers and cleanup reaper as supervised goroutines.
func (e *Engine) Start() error {
	if err := e.recoverInflight(); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.scheduler()
	e.wg.Add(1)
	go e.cleanupReaper()
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return nil
}

// Stop signals every supervised goroutine to exit and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// recoverInflight is the startup sweep: every Inflight entry older than
// RecoveryGrace is assumed abandoned by a crashed sender and is
// returned to Queued.
func (e *Engine) recoverInflight() error {
	ids, err := e.storage.ListInflight()
	if err != nil {
		return err
	}
	for _, id := range ids {
		age, err := e.storage.InflightAge(id)
		if err != nil {
			continue // vanished between list and stat; another actor is handling it
		}
		if age < e.cfg.RecoveryGrace {
			continue
		}
		ctx := context.Background()
		if err := retryIO(ctx, e.log(), func() error { return e.storage.MarkQueued(id) }); err != nil {
			if err != queuefs.ErrVanished {
				return err
			}
			continue
		}
		e.log().WithField("queue_id", id).Info("mail recovered from inflight after crash grace window")
		e.cfg.Events.Publish(MailRecovered, id)
	}
	return nil
}

// scheduler polls Queued on PollInterval and feeds due entries to due.
func (e *Engine) scheduler() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.scanQueued()
		}
	}
}

func (e *Engine) scanQueued() {
	ids, err := e.storage.ListQueued()
	if err != nil {
		e.log().WithError(err).Error("listing queued mail failed")
		return
	}
	now := time.Now()
	for _, id := range ids {
		raw, err := e.storage.ReadSchedule(id)
		if err != nil {
			continue // vanished or mid-commit; next poll will pick it up
		}
		sched, err := unmarshalSchedule(raw)
		if err != nil {
			e.log().WithField("queue_id", id).WithError(err).Error("corrupt schedule file")
			continue
		}
		if sched.At.After(now) {
			continue
		}
		select {
		case e.due <- id:
		case <-e.stop:
			return
		default:
			// workers are saturated; this id is picked up again next poll
		}
	}
}

// worker drains due, dispatching each entry, until Stop is called. A
// panic in a dispatch kills only this iteration, not the engine.
func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case qid := <-e.due:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log().Errorf("queue worker %d recovered from panic: %v\n%s", id, r, debug.Stack())
					}
				}()
				e.dispatchOne(qid)
			}()
		}
	}
}

// dispatchOne drives one due entry through send_start, the transport
// attempt, and send_done or send_cancel.
func (e *Engine) dispatchOne(id QueueId) {
	log := e.log().WithField("queue_id", id)
	ctx := context.Background()

	err := retryIO(ctx, log, func() error { return e.storage.MarkInflight(id) })
	if err == queuefs.ErrVanished {
		log.Info("queued_mail_vanished")
		return
	} else if err != nil {
		log.WithError(err).Error("marking mail inflight failed")
		return
	}

	metaRaw, mErr := e.storage.ReadMetadata(id)
	schedRaw, sErr := e.storage.ReadSchedule(id)
	if mErr != nil || sErr != nil {
		log.WithError(firstErr(mErr, sErr)).Error("reading queue entry failed; returning to queue")
		e.cancelToQueued(ctx, id, ScheduleInfo{})
		return
	}
	meta, err := unmarshalMetadata(metaRaw)
	if err != nil {
		log.WithError(err).Error("corrupt metadata; returning to queue")
		e.cancelToQueued(ctx, id, ScheduleInfo{})
		return
	}
	sched, err := unmarshalSchedule(schedRaw)
	if err != nil {
		sched = ScheduleInfo{}
	}

	from, ferr := parseEmail(meta.From)
	to, terr := parseEmail(meta.To)
	if ferr != nil || terr != nil {
		log.WithError(firstErr(ferr, terr)).Error("corrupt address in metadata; treating as permanent failure")
		e.finishPermanent(ctx, id, meta, fmt.Errorf("corrupt queue metadata"))
		return
	}

	contents, err := e.storage.OpenContents(id)
	if err != nil {
		log.WithError(err).Error("opening payload failed; returning to queue")
		e.cancelToQueued(ctx, id, sched)
		return
	}
	var buf bytes.Buffer
	_, err = buf.ReadFrom(contents)
	contents.Close()
	if err != nil {
		log.WithError(err).Error("reading payload failed; returning to queue")
		e.cancelToQueued(ctx, id, sched)
		return
	}

	sendErr := e.cfg.Transport.Send(ctx, from, to, bytes.NewReader(buf.Bytes()))
	if sendErr == nil {
		e.finishSuccess(ctx, id)
		return
	}
	if IsPermanent(sendErr) {
		e.finishPermanent(ctx, id, meta, sendErr)
		return
	}
	log.WithError(sendErr).Warn("transient delivery failure; rescheduling")
	e.cancelToQueued(ctx, id, sched)
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// finishSuccess implements send_done on success (Inflight -> PendingCleanup).
func (e *Engine) finishSuccess(ctx context.Context, id QueueId) {
	if err := retryIO(ctx, e.log(), func() error { return e.storage.MarkCleanup(id) }); err != nil && err != queuefs.ErrVanished {
		e.log().WithField("queue_id", id).WithError(err).Error("marking mail for cleanup failed")
		return
	}
	e.cfg.Events.Publish(MailDelivered, id)
	e.reapOne(id)
}

// finishPermanent records a permanent failure and moves the entry to
// PendingCleanup, invoking the optional bounce hook first.
func (e *Engine) finishPermanent(ctx context.Context, id QueueId, meta Metadata, failure error) {
	if e.cfg.Bounce != nil {
		e.cfg.Bounce(meta, failure)
	}
	if err := retryIO(ctx, e.log(), func() error { return e.storage.MarkCleanup(id) }); err != nil && err != queuefs.ErrVanished {
		e.log().WithField("queue_id", id).WithError(err).Error("marking permanently-failed mail for cleanup failed")
		return
	}
	e.cfg.Events.Publish(MailBounced, id, failure)
	e.reapOne(id)
}

// cancelToQueued implements send_cancel (Inflight -> Queued) with a new
// schedule computed from the configured BackoffPolicy.
func (e *Engine) cancelToQueued(ctx context.Context, id QueueId, sched ScheduleInfo) {
	now := time.Now()
	interval := clampInterval(e.cfg.Backoff(sched.LastInterval.time()), e.log())
	newSched := ScheduleInfo{At: now.Add(interval), LastAttempt: &now, LastInterval: Duration(interval)}
	raw, err := marshalSchedule(newSched)
	if err == nil {
		if err := retryIO(ctx, e.log(), func() error { return e.storage.Reschedule(id, raw) }); err != nil && err != queuefs.ErrVanished {
			e.log().WithField("queue_id", id).WithError(err).Error("rescheduling failed")
		}
	}
	if err := retryIO(ctx, e.log(), func() error { return e.storage.MarkQueued(id) }); err != nil && err != queuefs.ErrVanished {
		e.log().WithField("queue_id", id).WithError(err).Error("returning mail to queue failed")
		return
	}
	e.cfg.Events.Publish(MailDeferred, id, newSched.At)
}

// cleanupReaper periodically sweeps PendingCleanup for entries a crash
// left behind between MarkCleanup and Reap. Reaping is idempotent, so a
// redundant sweep is harmless.
func (e *Engine) cleanupReaper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ids, err := e.storage.ListCleanup()
			if err != nil {
				e.log().WithError(err).Error("listing cleanup entries failed")
				continue
			}
			for _, id := range ids {
				e.reapOne(id)
			}
		}
	}
}

func (e *Engine) reapOne(id QueueId) {
	ctx := context.Background()
	if err := retryIO(ctx, e.log(), func() error { return e.storage.Reap(id) }); err != nil && err != queuefs.ErrVanished {
		e.log().WithField("queue_id", id).WithError(err).Error("reaping cleanup entry failed")
	}
}

// Enqueuer is the write side of a pending enqueue: the payload is
// staged invisibly until Commit makes it durable.
type Enqueuer struct {
	engine *Engine
	id     QueueId
	staged *queuefs.Staged
}

// Enqueue stages a new, not-yet-visible payload. The caller writes the
// message body through the returned Enqueuer, then calls Commit.
func (e *Engine) Enqueue() (*Enqueuer, error) {
	id, err := queuefs.NewQueueId()
	if err != nil {
		return nil, err
	}
	staged, err := e.storage.Stage(id)
	if err != nil {
		return nil, err
	}
	return &Enqueuer{engine: e, id: id, staged: staged}, nil
}

func (w *Enqueuer) Write(p []byte) (int, error) { return w.staged.Write(p) }

// Commit durably writes payload, metadata and schedule, fanning out one
// queue entry per destination so retries are independent per recipient.
// A single destination reuses the staged content directly. With several
// destinations every entry gets a fresh QueueId whose contents symlinks
// to the staged dir: no entry may own the shared payload, or reaping
// the first delivered recipient would destroy it for the rest. The
// staged dir then outlives its references as an orphan, same as a
// pre-commit crash, and is the scavenger's to reclaim.
// Returns the QueueId of each created entry, in the same order as to.
func (w *Enqueuer) Commit(from *wire.Email, to []wire.Email, extra map[string]any, at time.Time) ([]QueueId, error) {
	if err := w.staged.Close(); err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("queue: commit requires at least one destination")
	}
	sched, err := marshalSchedule(ScheduleInfo{At: at})
	if err != nil {
		return nil, err
	}

	ids := make([]QueueId, len(to))
	contentID := w.id
	for i, rcpt := range to {
		id := w.id
		if len(to) > 1 {
			id, err = queuefs.NewQueueId()
			if err != nil {
				return nil, err
			}
		}
		meta, err := marshalMetadata(from, rcpt, extra)
		if err != nil {
			return nil, err
		}
		if err := w.engine.storage.Commit(id, contentID, meta, sched); err != nil {
			return nil, err
		}
		ids[i] = id
		w.engine.cfg.Events.Publish(MailEnqueued, id)
	}
	return ids, nil
}
