package poller

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gtfs-livemap/internal/feed"
	"gtfs-livemap/internal/gtfs"
	mmetrics "gtfs-livemap/internal/metrics"
	"gtfs-livemap/internal/store"
	"gtfs-livemap/internal/stream"
)

const (
	// DefaultInterval is the delay between the end of one cycle and the start
	// of the next. The upstream rate limits aggressively below this.
	DefaultInterval = 15 * time.Second

	// log a summary on the first poll and every logEvery polls after that
	logEvery = 30
)

// Source produces one batch of positions per call. Open and Close bracket the
// period in which Fetch may be called.
type Source interface {
	Open()
	Fetch(ctx context.Context) ([]gtfs.VehiclePosition, error)
	Close()
}

// Mirror receives every non-empty batch after it is stored.
type Mirror interface {
	PublishBatch(batch []gtfs.VehiclePosition) error
}

type Options struct {
	Interval    time.Duration
	SendTimeout time.Duration
	Mirror      Mirror
	Metrics     *mmetrics.Collector
}

// Status is a point-in-time view of the poller for operational endpoints.
type Status struct {
	Running      bool       `json:"running"`
	PollCount    int64      `json:"poll_count"`
	VehicleCount int        `json:"vehicle_count"`
	ClientCount  int        `json:"client_count"`
	LastPoll     *time.Time `json:"last_poll"`
}

// Poller owns the fetch, store, broadcast cycle. It is the only writer of the
// position store and of its own counters.
type Poller struct {
	source      Source
	positions   *store.Positions
	clients     *stream.Registry
	mirror      Mirror
	interval    time.Duration
	sendTimeout time.Duration
	metrics     *mmetrics.Collector
	now         func() time.Time

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	statMu       sync.RWMutex
	pollCount    int64
	lastPoll     time.Time
	vehicleCount int
}

func New(source Source, positions *store.Positions, clients *stream.Registry, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = stream.DefaultSendTimeout
	}
	p := &Poller{
		source:      source,
		positions:   positions,
		clients:     clients,
		mirror:      opts.Mirror,
		interval:    opts.Interval,
		sendTimeout: opts.SendTimeout,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
	if p.metrics != nil {
		m := p.metrics
		clients.OnSizeChange(func(n int) { m.StreamClients.Set(float64(n)) })
	}
	return p
}

// Start opens the source and launches the poll loop. It is a no-op when the
// loop is already running.
func (p *Poller) Start(parent context.Context) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.running.Load() {
		log.Printf("poller already running")
		return
	}

	p.source.Open()
	// only Stop ends the loop; parent contributes values, not cancellation
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p.cancel = cancel
	p.running.Store(true)
	p.wg.Add(1)
	go p.run(ctx)
	log.Printf("poller started, polling every %s", p.interval)
}

// Stop cancels the loop, waits for it to exit and then closes the source, so
// no cycle can use a closed transport. Counters are kept for a later Start.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if !p.running.Load() {
		return
	}

	p.running.Store(false)
	p.cancel()
	p.wg.Wait()
	p.source.Close()
	log.Printf("poller stopped")
}

func (p *Poller) Running() bool { return p.running.Load() }

// Status reads the counters, the registry size and the running flag.
func (p *Poller) Status() Status {
	p.statMu.RLock()
	st := Status{
		PollCount:    p.pollCount,
		VehicleCount: p.vehicleCount,
	}
	if !p.lastPoll.IsZero() {
		t := p.lastPoll
		st.LastPoll = &t
	}
	p.statMu.RUnlock()

	st.Running = p.running.Load()
	st.ClientCount = p.clients.Len()
	return st
}

// run polls with a fixed delay: the sleep starts after the cycle's work is
// done, so cycles drift by their own duration.
func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.safePoll(ctx)

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("poll error: %v", r)
			if p.metrics != nil {
				p.metrics.FetchErrors.WithLabelValues("panic").Inc()
			}
		}
	}()
	p.pollOnce(ctx)
}

func (p *Poller) pollOnce(ctx context.Context) {
	cycleStart := time.Now()

	batch, err := p.source.Fetch(ctx)
	if p.metrics != nil {
		p.metrics.FetchDuration.Observe(time.Since(cycleStart).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fetchFailed(err)
		return
	}
	if len(batch) == 0 {
		return
	}

	p.positions.UpsertBatch(batch)
	total := p.positions.Len()

	p.statMu.Lock()
	p.pollCount++
	n := p.pollCount
	p.lastPoll = p.now().UTC()
	p.vehicleCount = total
	p.statMu.Unlock()

	if p.metrics != nil {
		p.metrics.Polls.Inc()
		p.metrics.BatchVehicles.Set(float64(len(batch)))
		p.metrics.TrackedVehicles.Set(float64(total))
	}
	if n%logEvery == 1 {
		log.Printf("poll #%d: %d vehicles, %d clients", n, len(batch), p.clients.Len())
	}

	if p.mirror != nil {
		if err := p.mirror.PublishBatch(batch); err != nil {
			log.Printf("mirror publish error: %v", err)
		}
	}

	p.broadcast(ctx, batch)

	if p.metrics != nil {
		p.metrics.PollDuration.Observe(time.Since(cycleStart).Seconds())
	}
}

func (p *Poller) fetchFailed(err error) {
	reason := "transport"
	switch {
	case errors.Is(err, feed.ErrRateLimited):
		reason = "rate_limited"
		log.Printf("rate limited (429)")
	case errors.Is(err, feed.ErrUpstreamStatus):
		reason = "upstream"
		log.Printf("fetch failed: %v", err)
	case errors.Is(err, feed.ErrDecode):
		reason = "decode"
		log.Printf("parse error: %v", err)
	case errors.Is(err, feed.ErrClosed):
		reason = "closed"
		log.Printf("fetch skipped: %v", err)
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			log.Printf("fetch timed out: %v", err)
		} else {
			log.Printf("request failed: %v", err)
		}
	}
	if p.metrics != nil {
		p.metrics.FetchErrors.WithLabelValues(reason).Inc()
	}
}

// broadcast sends each subscribed client the part of batch inside its
// viewport. Sends run concurrently, each under its own timeout; clients whose
// send failed are removed and closed once every send has finished.
func (p *Poller) broadcast(ctx context.Context, batch []gtfs.VehiclePosition) {
	clients := p.clients.Subscribed()
	if len(clients) == 0 {
		return
	}
	ts := p.now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dead []*stream.Client
	)
	for _, c := range clients {
		b, ok := c.Bounds()
		if !ok {
			continue
		}
		filtered := gtfs.FilterInBounds(batch, b)
		if len(filtered) == 0 {
			continue
		}

		wg.Add(1)
		go func(c *stream.Client, msg stream.VehicleUpdatesMessage) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, msg); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					log.Printf("client %s send timeout, removing", c.ID)
				} else {
					log.Printf("client %s send error: %v", c.ID, err)
				}
				mu.Lock()
				dead = append(dead, c)
				mu.Unlock()
				return
			}
			if p.metrics != nil {
				p.metrics.BroadcastSends.Inc()
			}
		}(c, stream.VehicleUpdates(ts, filtered))
	}
	wg.Wait()

	// failures caused by Stop are not the clients' fault
	if ctx.Err() != nil {
		return
	}
	for _, c := range dead {
		p.clients.Unregister(c)
		_ = c.Close()
		if p.metrics != nil {
			p.metrics.BroadcastFailures.Inc()
		}
	}
}
