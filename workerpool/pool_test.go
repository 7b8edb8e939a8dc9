package workerpool

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/potree/logging"
	"go.viam.com/potree/pointcloud"
)

func newTestPool(t *testing.T, maxWorkers int, decode DecodeFunc) (*Pool, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	p := New(maxWorkers, decode,
		WithClock(clk),
		WithLogger(logging.NewTestLogger(t)),
		WithName(t.Name()),
	)
	t.Cleanup(func() {
		test.That(t, p.Close(), test.ShouldBeNil)
	})
	return p, clk
}

func TestDecodeOnWorker(t *testing.T) {
	p, _ := newTestPool(t, 2, nil)

	attrs, err := pointcloud.NewPointAttributes("POSITION_CARTESIAN")
	test.That(t, err, test.ShouldBeNil)
	buf := make([]byte, attrs.ByteSize)
	for i, v := range []float32{1, 2, 3} {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	w, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	res, err := w.Decode(context.Background(), pointcloud.DecodeRequest{
		Buffer:     buf,
		Attributes: attrs,
		Version:    pointcloud.ParseVersion("1.3"),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Buffers.Positions, test.ShouldResemble, []float32{1, 2, 3})
	p.ReleaseWorker(w)

	t.Run("idle workers are reused", func(t *testing.T) {
		again, err := p.GetWorker(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, again.ID(), test.ShouldEqual, w.ID())
		test.That(t, p.Size(), test.ShouldEqual, 1)
		p.ReleaseWorker(again)
	})
}

func TestDecodeErrors(t *testing.T) {
	errBad := errors.New("bad payload")
	p, _ := newTestPool(t, 1, func(req pointcloud.DecodeRequest) (*pointcloud.DecodeResult, error) {
		if len(req.Buffer) == 0 {
			panic("empty")
		}
		return nil, errBad
	})

	w, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	defer p.ReleaseWorker(w)

	_, err = w.Decode(context.Background(), pointcloud.DecodeRequest{Buffer: []byte{1}})
	test.That(t, err, test.ShouldEqual, errBad)

	_, err = w.Decode(context.Background(), pointcloud.DecodeRequest{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "panicked")
}

func TestBoundedWorkers(t *testing.T) {
	p, _ := newTestPool(t, 2, nil)
	ctx := context.Background()

	first, err := p.GetWorker(ctx)
	test.That(t, err, test.ShouldBeNil)
	second, err := p.GetWorker(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Size(), test.ShouldEqual, 2)

	third := make(chan *Worker)
	go func() {
		w, err := p.GetWorker(ctx)
		if err != nil {
			close(third)
			return
		}
		third <- w
	}()

	select {
	case <-third:
		t.Fatal("third request should block while two workers are checked out")
	case <-time.After(50 * time.Millisecond):
	}

	p.ReleaseWorker(second)
	w := <-third
	test.That(t, w, test.ShouldNotBeNil)
	test.That(t, w.ID(), test.ShouldEqual, second.ID())
	test.That(t, p.Size(), test.ShouldEqual, 2)

	p.ReleaseWorker(first)
	p.ReleaseWorker(w)
}

func TestWaitersAreServedInOrder(t *testing.T) {
	p, _ := newTestPool(t, 1, nil)
	held, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)

	order := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			w, err := p.GetWorker(context.Background())
			if err != nil {
				return
			}
			order <- i
			p.ReleaseWorker(w)
		}()
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			p.mu.Lock()
			defer p.mu.Unlock()
			test.That(tb, p.waiters.Len(), test.ShouldEqual, i+1)
		})
	}

	p.ReleaseWorker(held)
	test.That(t, <-order, test.ShouldEqual, 0)
	test.That(t, <-order, test.ShouldEqual, 1)
}

func TestCanceledWait(t *testing.T) {
	p, _ := newTestPool(t, 1, nil)
	held, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.GetWorker(ctx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	p.mu.Lock()
	test.That(t, p.waiters.Len(), test.ShouldEqual, 0)
	p.mu.Unlock()

	p.ReleaseWorker(held)
	w, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.ID(), test.ShouldEqual, held.ID())
	p.ReleaseWorker(w)
}

func TestIdleTimeout(t *testing.T) {
	p, clk := newTestPool(t, 2, nil)

	w, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	p.ReleaseWorker(w)
	test.That(t, p.Size(), test.ShouldEqual, 1)

	clk.Add(DefaultMaxIdle - time.Second)
	test.That(t, p.Size(), test.ShouldEqual, 1)

	clk.Add(time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, p.Size(), test.ShouldEqual, 0)
	})

	_, err = w.Decode(context.Background(), pointcloud.DecodeRequest{})
	test.That(t, errors.Is(err, ErrWorkerTerminated), test.ShouldBeTrue)

	replacement, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replacement.ID(), test.ShouldNotEqual, w.ID())
	test.That(t, p.Size(), test.ShouldEqual, 1)

	t.Run("reuse cancels the idle timer", func(t *testing.T) {
		p.ReleaseWorker(replacement)
		clk.Add(DefaultMaxIdle / 2)
		again, err := p.GetWorker(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, again.ID(), test.ShouldEqual, replacement.ID())

		clk.Add(DefaultMaxIdle)
		time.Sleep(10 * time.Millisecond)
		test.That(t, p.Size(), test.ShouldEqual, 1)
		p.ReleaseWorker(again)
	})
}

func TestSetMaxWorkers(t *testing.T) {
	p, _ := newTestPool(t, 2, nil)
	test.That(t, p.MaxWorkers(), test.ShouldEqual, 2)

	a, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)
	b, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)

	p.SetMaxWorkers(1)
	p.ReleaseWorker(a)
	test.That(t, p.Size(), test.ShouldEqual, 1)

	waiting := make(chan *Worker, 1)
	go func() {
		w, err := p.GetWorker(context.Background())
		if err == nil {
			waiting <- w
		}
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		p.mu.Lock()
		defer p.mu.Unlock()
		test.That(tb, p.waiters.Len(), test.ShouldEqual, 1)
	})

	p.SetMaxWorkers(2)
	c := <-waiting
	test.That(t, p.Size(), test.ShouldEqual, 2)
	p.ReleaseWorker(b)
	p.ReleaseWorker(c)
}

func TestClose(t *testing.T) {
	p := New(1, nil, WithLogger(logging.NewTestLogger(t)), WithName(t.Name()))
	held, err := p.GetWorker(context.Background())
	test.That(t, err, test.ShouldBeNil)

	pending := make(chan error, 1)
	go func() {
		_, err := p.GetWorker(context.Background())
		pending <- err
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		p.mu.Lock()
		defer p.mu.Unlock()
		test.That(tb, p.waiters.Len(), test.ShouldEqual, 1)
	})

	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, errors.Is(<-pending, ErrPoolClosed), test.ShouldBeTrue)

	_, err = p.GetWorker(context.Background())
	test.That(t, errors.Is(err, ErrPoolClosed), test.ShouldBeTrue)
	_, err = held.Decode(context.Background(), pointcloud.DecodeRequest{})
	test.That(t, errors.Is(err, ErrPoolClosed), test.ShouldBeTrue)

	p.ReleaseWorker(held)
	test.That(t, p.Size(), test.ShouldEqual, 0)
	test.That(t, p.Close(), test.ShouldBeNil)
}
