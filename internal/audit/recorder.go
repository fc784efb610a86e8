package audit

import (
	"context"
	"sync"
	"time"

	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/common/telemetry"
)

// RecorderConfig bounds the write queue and retry behaviour.
type RecorderConfig struct {
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
}

func (c *RecorderConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Recorder serializes audit writes through a single worker so records for
// the same request id never race, and keeps sink latency off the request
// path. A record that exhausts its retries is logged and counted, never
// silently lost.
type Recorder struct {
	sink  Sink
	cfg   RecorderConfig
	queue chan Record

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	cfg.applyDefaults()
	r := &Recorder{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Record, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record hands one record to the worker. The enqueue itself does not block,
// but when the queue is full the write falls back to running synchronously on
// the caller, including retries, so the record still lands. Records arriving
// after Close are logged and dropped.
func (r *Recorder) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case <-r.done:
		common.Logger().Error("audit: recorder closed, record dropped",
			"request_id", rec.RequestID, "stage", rec.Stage)
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		common.Logger().Warn("audit: queue full, writing synchronously", "request_id", rec.RequestID)
		r.write(rec)
	}
}

// Close drains the queue and stops the worker. Records passed to Record
// after Close are logged and dropped, never queued.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * r.cfg.RetryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.Append(ctx, rec)
		cancel()
		if err == nil {
			telemetry.RecordAuditWrite(attempt, false)
			return
		}
		lastErr = err
	}
	telemetry.RecordAuditWrite(r.cfg.MaxAttempts-1, true)
	common.Logger().Error("audit: record dropped after retries",
		"request_id", rec.RequestID, "stage", rec.Stage, "error", lastErr)
}
