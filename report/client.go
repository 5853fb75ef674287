package report

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

// submitTimeout bounds the hand-off of a report to the batcher.
const submitTimeout = time.Second

// Client is a fire-and-forget report sender. Instances must be initialized
// using NewClient, and should be closed.
type Client struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	transport   Transport
	batcher     *microbatch.Batcher[*Report]
	limiter     *catrate.Limiter
	logger      *logiface.Logger[logiface.Event]
	sendTimeout time.Duration

	mu   sync.Mutex
	last *microbatch.JobResult[*Report]

	closed  atomic.Bool
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// ClientStats are the Client's delivery counters.
type ClientStats struct {
	// Sent counts reports delivered by a successful Send.
	Sent uint64
	// Failed counts reports in a batch whose Send failed.
	Failed uint64
	// Dropped counts reports never handed to the transport.
	Dropped uint64
}

// NewClient starts a client, delivering to transport.
func NewClient(transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	limiter, err := newLimiter(cfg.rates)
	if err != nil {
		return nil, err
	}
	c := &Client{
		transport:   transport,
		limiter:     limiter,
		logger:      cfg.logger,
		sendTimeout: cfg.sendTimeout,
	}
	c.batcher = microbatch.NewBatcher[*Report](&microbatch.BatcherConfig{
		MaxSize:       cfg.batchSize,
		FlushInterval: cfg.flushInterval,
	}, c.process)
	return c, nil
}

// Report queues a copy of r for delivery. It never fails: reports that are
// nil, rate limited, or submitted after Close are dropped, and counted.
func (c *Client) Report(r *Report) {
	if c == nil || r == nil {
		return
	}
	if c.closed.Load() {
		c.drop(r, `closed`)
		return
	}
	if _, ok := c.limiter.Allow(r.Kind); !ok {
		c.drop(r, `rate limited`)
		return
	}

	job := *r
	if job.Time.IsZero() {
		job.Time = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	result, err := c.batcher.Submit(ctx, &job)
	if err != nil {
		c.drop(r, err.Error())
		return
	}

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()
}

// Flush waits for the most recently queued report to be sent, returning the
// error from its batch, if any.
func (c *Client) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.Wait(ctx)
}

// Close stops accepting reports, then waits for queued reports to be sent,
// or for ctx to be done. It is unsafe to call from within a Transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.closed.Store(true)
	return c.batcher.Shutdown(ctx)
}

// Stats returns the delivery counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Sent:    c.sent.Load(),
		Failed:  c.failed.Load(),
		Dropped: c.dropped.Load(),
	}
}

func (c *Client) process(ctx context.Context, reports []*Report) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &TransportPanicError{Value: r}
		}
		if err != nil {
			c.failed.Add(uint64(len(reports)))
			c.logFailure(len(reports), err)
		} else {
			c.sent.Add(uint64(len(reports)))
		}
	}()

	return c.transport.Send(ctx, reports)
}

func (c *Client) drop(r *Report, reason string) {
	c.dropped.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ERROR: report: dropped %s report: %s (logger panicked: %v)", r.Kind, reason, rec)
		}
	}()
	c.logger.Debug().
		Str(`kind`, r.Kind).
		Str(`reason`, reason).
		Log(`report dropped`)
}

func (c *Client) logFailure(n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: report: send of %d reports failed: %v (logger panicked: %v)", n, err, r)
		}
	}()
	c.logger.Warning().
		Int(`reports`, n).
		Err(err).
		Log(`report send failed`)
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter, err = nil, fmt.Errorf("%w: %v", ErrInvalidRates, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}
