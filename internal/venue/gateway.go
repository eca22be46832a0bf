package venue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrRequestTimeout is returned when a dispatched call exceeds the
// per-request timeout. The underlying network operation is abandoned
// logically; its result, if it ever arrives, is discarded.
var ErrRequestTimeout = errors.New("gateway: request timed out")

// ErrGatewayClosed is returned for calls enqueued after Stop.
var ErrGatewayClosed = errors.New("gateway: closed")

// Call describes one outbound venue request.
type Call struct {
	Endpoint string
	// CacheKey, when non-empty, makes the response cacheable: a
	// non-expired entry under the key is returned without dispatching.
	CacheKey string
	// Fn performs the actual network I/O. It must honor ctx.
	Fn func(ctx context.Context) ([]byte, error)
}

// Result settles a queued call.
type Result struct {
	Body []byte
	Err  error
}

// GatewayConfig bounds the gateway's behavior.
type GatewayConfig struct {
	MaxConcurrent  int           // requests in flight at once
	QueueSize      int           // FIFO capacity
	QueueWarnDepth int           // soft signal of systemic slowness
	CacheTTL       time.Duration // response cache lifetime
	RequestTimeout time.Duration // per dispatched call
}

// DefaultGatewayConfig mirrors the limits the engine runs with in
// production: 3 concurrent requests, a few seconds of response cache.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxConcurrent:  3,
		QueueSize:      512,
		QueueWarnDepth: 50,
		CacheTTL:       5 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

type queuedCall struct {
	call       Call
	ctx        context.Context
	result     chan Result
	enqueuedAt time.Time
}

type cachedResponse struct {
	body      []byte
	fetchedAt time.Time
}

// Gateway serializes all venue traffic: at most MaxConcurrent requests
// run at once, the rest wait in FIFO order. Every network-touching
// component routes through a single Gateway so the global concurrency
// bound holds no matter how many periodic tasks are active.
type Gateway struct {
	cfg   GatewayConfig
	queue chan *queuedCall
	log   zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*cachedResponse

	wg      sync.WaitGroup
	stopMu  sync.RWMutex
	stopped bool

	// counters for observability; failures never stop the loop
	dispatched atomic.Int64
	failures   atomic.Int64
	timeouts   atomic.Int64
	cacheHits  atomic.Int64

	nowFn func() time.Time
}

// NewGateway creates and starts a gateway with cfg.
func NewGateway(cfg GatewayConfig, log zerolog.Logger) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}

	g := &Gateway{
		cfg:   cfg,
		queue: make(chan *queuedCall, cfg.QueueSize),
		cache: make(map[string]*cachedResponse),
		log:   log.With().Str("component", "gateway").Logger(),
		nowFn: time.Now,
	}

	for i := 0; i < cfg.MaxConcurrent; i++ {
		g.wg.Add(1)
		go g.worker()
	}

	return g
}

// Enqueue queues a call and returns a channel that settles with its
// result. A fresh cached response settles immediately.
func (g *Gateway) Enqueue(ctx context.Context, call Call) <-chan Result {
	result := make(chan Result, 1)

	if body, ok := g.cached(call.CacheKey); ok {
		g.cacheHits.Add(1)
		result <- Result{Body: body}
		return result
	}

	qc := &queuedCall{call: call, ctx: ctx, result: result, enqueuedAt: g.nowFn()}

	g.stopMu.RLock()
	defer g.stopMu.RUnlock()

	if g.stopped {
		result <- Result{Err: ErrGatewayClosed}
		return result
	}

	select {
	case g.queue <- qc:
		if depth := len(g.queue); depth > g.cfg.QueueWarnDepth {
			g.log.Warn().Int("depth", depth).Str("endpoint", call.Endpoint).
				Msg("request queue depth above warning threshold")
		}
	default:
		result <- Result{Err: errors.New("gateway: queue full")}
	}

	return result
}

// Do enqueues a call and blocks until it settles or ctx is done.
func (g *Gateway) Do(ctx context.Context, call Call) ([]byte, error) {
	select {
	case res := <-g.Enqueue(ctx, call):
		return res.Body, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker drains the FIFO queue. One request's failure never affects
// the others; the loop only exits when the queue is closed.
func (g *Gateway) worker() {
	defer g.wg.Done()

	for qc := range g.queue {
		g.dispatch(qc)
	}
}

func (g *Gateway) dispatch(qc *queuedCall) {
	// Caller may have given up while the call sat in the queue.
	if qc.ctx != nil {
		select {
		case <-qc.ctx.Done():
			qc.result <- Result{Err: qc.ctx.Err()}
			return
		default:
		}
	}

	// Re-check the cache: an identical call may have settled while
	// this one waited in the queue.
	if body, ok := g.cached(qc.call.CacheKey); ok {
		g.cacheHits.Add(1)
		qc.result <- Result{Body: body}
		return
	}

	base := qc.ctx
	if base == nil {
		base = context.Background()
	}
	callCtx, cancel := context.WithTimeout(base, g.cfg.RequestTimeout)

	done := make(chan Result, 1)
	go func() {
		body, err := qc.call.Fn(callCtx)
		done <- Result{Body: body, Err: err}
	}()

	g.dispatched.Add(1)

	select {
	case res := <-done:
		cancel()
		if res.Err != nil {
			g.failures.Add(1)
		} else if qc.call.CacheKey != "" {
			g.store(qc.call.CacheKey, res.Body)
		}
		qc.result <- res
	case <-callCtx.Done():
		cancel()
		g.timeouts.Add(1)
		g.failures.Add(1)
		g.log.Warn().Str("endpoint", qc.call.Endpoint).
			Dur("waited", g.nowFn().Sub(qc.enqueuedAt)).
			Msg("request abandoned on timeout")
		// The in-flight goroutine settles into the buffered channel
		// and is discarded; the worker moves on immediately.
		qc.result <- Result{Err: ErrRequestTimeout}
	}
}

func (g *Gateway) cached(key string) ([]byte, bool) {
	if key == "" || g.cfg.CacheTTL <= 0 {
		return nil, false
	}
	g.cacheMu.RLock()
	defer g.cacheMu.RUnlock()

	entry, ok := g.cache[key]
	if !ok || g.nowFn().Sub(entry.fetchedAt) > g.cfg.CacheTTL {
		return nil, false
	}
	return entry.body, true
}

func (g *Gateway) store(key string, body []byte) {
	g.cacheMu.Lock()
	g.cache[key] = &cachedResponse{body: body, fetchedAt: g.nowFn()}
	g.cacheMu.Unlock()
}

// QueueDepth returns the number of calls waiting for a worker.
func (g *Gateway) QueueDepth() int {
	return len(g.queue)
}

// Stats returns cumulative gateway counters.
func (g *Gateway) Stats() map[string]int64 {
	return map[string]int64{
		"dispatched":  g.dispatched.Load(),
		"failures":    g.failures.Load(),
		"timeouts":    g.timeouts.Load(),
		"cache_hits":  g.cacheHits.Load(),
		"queue_depth": int64(len(g.queue)),
	}
}

// Stop closes the queue and waits for in-flight requests to settle.
// Requests already dispatched finish or time out naturally.
func (g *Gateway) Stop() {
	g.stopMu.Lock()
	if g.stopped {
		g.stopMu.Unlock()
		return
	}
	g.stopped = true
	close(g.queue)
	g.stopMu.Unlock()

	g.wg.Wait()
}
