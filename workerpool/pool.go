// Package workerpool bounds the number of goroutines decoding point data at once. Workers are
// checked out with GetWorker, used for one or more decodes and handed back with ReleaseWorker.
// Idle workers are torn down after MaxIdle and replaced on demand.
package workerpool

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/pointcloud"
	"go.viam.com/potree/utils"
)

const (
	// DefaultMaxWorkers is the number of workers a pool allows unless configured otherwise.
	DefaultMaxWorkers = 32
	// DefaultMaxIdle is how long a released worker waits for reuse before it is torn down.
	DefaultMaxIdle = 7 * time.Second
)

var (
	// ErrPoolClosed is returned for requests made to, or pending on, a closed pool.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrWorkerTerminated is returned when decoding on a worker that was torn down.
	ErrWorkerTerminated = errors.New("worker terminated")
)

// DecodeFunc turns a payload into decoded buffers. It must not retain the request's buffer.
type DecodeFunc func(pointcloud.DecodeRequest) (*pointcloud.DecodeResult, error)

type workerState int

const (
	workerBusy = workerState(iota)
	workerIdle
	workerTerminated
)

// Pool is a bounded set of decode workers.
type Pool struct {
	name    string
	decode  DecodeFunc
	clock   clock.Clock
	maxIdle time.Duration
	logger  logging.Logger
	workers *utils.Workers

	mu         sync.Mutex
	maxWorkers int
	size       int
	nextID     int
	idle       []*Worker
	waiters    *list.List
	closed     bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock driving idle timeouts.
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) {
		p.clock = clk
	}
}

// WithMaxIdle sets how long a released worker is kept for reuse.
func WithMaxIdle(d time.Duration) Option {
	return func(p *Pool) {
		p.maxIdle = d
	}
}

// WithLogger sets the pool's logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithName sets the name the pool reports its metrics under.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// New returns a pool of at most maxWorkers workers running decode. A non-positive maxWorkers
// uses DefaultMaxWorkers; a nil decode uses pointcloud.Decode.
func New(maxWorkers int, decode DecodeFunc, opts ...Option) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if decode == nil {
		decode = pointcloud.Decode
	}
	p := &Pool{
		name:       "decode",
		decode:     decode,
		clock:      clock.New(),
		maxIdle:    DefaultMaxIdle,
		maxWorkers: maxWorkers,
		waiters:    list.New(),
		workers:    utils.NewWorkers(context.Background()),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewBlankLogger("workerpool")
	}
	return p
}

// MaxWorkers returns the maximum number of workers checked out at once.
func (p *Pool) MaxWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWorkers
}

// SetMaxWorkers changes the bound. Raising it serves pending requests immediately; lowering it
// tears down idle workers now and busy workers as they are released.
func (p *Pool) SetMaxWorkers(n int) {
	if n <= 0 {
		n = DefaultMaxWorkers
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxWorkers = n
	for p.size > p.maxWorkers && len(p.idle) > 0 {
		p.terminateLocked(p.idle[len(p.idle)-1], "shrunk")
	}
	for p.size < p.maxWorkers && p.waiters.Len() > 0 {
		w := p.spawnLocked()
		ch := p.waiters.Remove(p.waiters.Front()).(chan *Worker)
		ch <- w
	}
}

// Size returns the number of live workers, busy or idle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// GetWorker returns a worker for the caller's exclusive use. An idle worker is reused first; a
// new one is spawned while the pool is below its bound. Otherwise the call blocks until a worker
// is released, serving callers in the order they asked.
func (p *Pool) GetWorker(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		w.markBusyLocked()
		p.mu.Unlock()
		return w, nil
	}
	if p.size < p.maxWorkers {
		w := p.spawnLocked()
		p.mu.Unlock()
		return w, nil
	}
	ch := make(chan *Worker, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case w, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		// a worker may have been handed over before the waiter was removed
		select {
		case w, ok := <-ch:
			if ok {
				p.ReleaseWorker(w)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// ReleaseWorker hands a worker back. It goes to the longest waiting caller, or else idles until
// reused or torn down after MaxIdle. Releasing a worker twice has no effect.
func (p *Pool) ReleaseWorker(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w == nil || w.pool != p || w.state != workerBusy {
		return
	}
	if p.closed || p.size > p.maxWorkers {
		p.terminateLocked(w, "released")
		return
	}
	if front := p.waiters.Front(); front != nil {
		ch := p.waiters.Remove(front).(chan *Worker)
		ch <- w
		return
	}

	w.state = workerIdle
	w.idleGen++
	gen := w.idleGen
	p.idle = append(p.idle, w)
	w.timer = p.clock.AfterFunc(p.maxIdle, func() {
		p.expire(w, gen)
	})
}

func (p *Pool) expire(w *Worker, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.state != workerIdle || w.idleGen != gen {
		return
	}
	p.logger.Debugw("tearing down idle worker", "worker", w.id, "idle", p.maxIdle)
	p.terminateLocked(w, "idle")
}

// Close tears down idle workers, fails pending requests and waits for busy workers to finish
// their current decode.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for len(p.idle) > 0 {
		p.terminateLocked(p.idle[len(p.idle)-1], "closed")
	}
	for p.waiters.Len() > 0 {
		close(p.waiters.Remove(p.waiters.Front()).(chan *Worker))
	}
	p.mu.Unlock()

	p.workers.Stop()
	return nil
}

func (p *Pool) spawnLocked() *Worker {
	p.nextID++
	w := &Worker{
		id:   p.nextID,
		pool: p,
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	p.size++
	poolSize.WithLabelValues(p.name).Set(float64(p.size))
	p.workers.Add(w.run)
	p.logger.Debugw("spawned worker", "worker", w.id, "size", p.size)
	return w
}

func (p *Pool) terminateLocked(w *Worker, reason string) {
	if w.state == workerTerminated {
		return
	}
	for i, idle := range p.idle {
		if idle == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state = workerTerminated
	close(w.done)
	p.size--
	poolSize.WithLabelValues(p.name).Set(float64(p.size))
	workerTerminations.WithLabelValues(p.name, reason).Inc()
}

// Worker is a single decode goroutine checked out from a Pool.
type Worker struct {
	id   int
	pool *Pool
	jobs chan job
	done chan struct{}

	// guarded by pool.mu
	state   workerState
	idleGen uint64
	timer   *clock.Timer
}

type job struct {
	req    pointcloud.DecodeRequest
	result chan jobResult
}

type jobResult struct {
	res *pointcloud.DecodeResult
	err error
}

// ID identifies the worker within its pool. A replacement worker gets a new ID.
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) String() string {
	return "worker-" + strconv.Itoa(w.id)
}

func (w *Worker) markBusyLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state = workerBusy
}

// Decode runs the pool's decode function on this worker. If ctx ends first the call returns
// ctx's error and the decode result is discarded once it completes.
func (w *Worker) Decode(ctx context.Context, req pointcloud.DecodeRequest) (*pointcloud.DecodeResult, error) {
	j := job{req: req, result: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
	case <-w.done:
		return nil, ErrWorkerTerminated
	case <-w.pool.workers.Context().Done():
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case j := <-w.jobs:
			select {
			case <-w.done:
				j.result <- jobResult{err: ErrWorkerTerminated}
				return
			default:
			}
			start := time.Now()
			res, err := w.safeDecode(j.req)
			decodeSeconds.WithLabelValues(w.pool.name).Observe(time.Since(start).Seconds())
			j.result <- jobResult{res: res, err: err}
		}
	}
}

func (w *Worker) safeDecode(req pointcloud.DecodeRequest) (res *pointcloud.DecodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("decode panicked: %v", r)
		}
	}()
	return w.pool.decode(req)
}
