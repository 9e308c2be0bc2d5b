package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	queue "github.com/okian/ladder/internal/adapters/mq/queue"
	worker "github.com/okian/ladder/internal/adapters/mq/worker"
	model "github.com/okian/ladder/internal/domain/model"
	logging "github.com/okian/ladder/pkg/logger"
)

type mockQueue struct {
	ch chan model.Result
}

func newMockQueue() *mockQueue {
	return &mockQueue{ch: make(chan model.Result, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan model.Result { return mq.ch }

func (mq *mockQueue) Close() error {
	close(mq.ch)
	return nil
}

type mockRecorder struct {
	mu      sync.Mutex
	applied []string
	fail    map[string]error
	delay   time.Duration
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{fail: map[string]error{}}
}

func (m *mockRecorder) RecordResult(ctx context.Context, r model.Result) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[r.ResultID]; ok {
		return err
	}
	m.applied = append(m.applied, r.ResultID)
	return nil
}

func (m *mockRecorder) appliedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a mock queue", t, func() {
		convey.So(logging.Init(), convey.ShouldBeNil)
		mq := newMockQueue()
		rec := newMockRecorder()
		w := worker.NewInMemoryWorker(mq, rec, worker.WithName("test-worker"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When results arrive", func() {
			mq.ch <- model.Result{ResultID: "r1"}
			mq.ch <- model.Result{ResultID: "r2"}

			convey.Convey("Then they are applied in order", func() {
				convey.So(waitFor(func() bool { return len(rec.appliedIDs()) == 2 }), convey.ShouldBeTrue)
				convey.So(rec.appliedIDs(), convey.ShouldResemble, []string{"r1", "r2"})
				convey.So(w.Processed(), convey.ShouldEqual, 2)
				convey.So(w.Failed(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When applying a result fails", func() {
			rec.fail["bad"] = errors.New("invalid competitor reference")
			mq.ch <- model.Result{ResultID: "bad"}
			mq.ch <- model.Result{ResultID: "good"}

			convey.Convey("Then the worker logs it and carries on", func() {
				convey.So(waitFor(func() bool { return w.Processed() == 1 }), convey.ShouldBeTrue)
				convey.So(w.Failed(), convey.ShouldEqual, 1)
				convey.So(rec.appliedIDs(), convey.ShouldResemble, []string{"good"})
			})
		})

		convey.Convey("When shut down", func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()

			convey.Convey("Then it stops and a second shutdown is harmless", func() {
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker whose context is cancelled", t, func() {
		convey.So(logging.Init(), convey.ShouldBeNil)
		w := worker.NewInMemoryWorker(newMockQueue(), newMockRecorder())
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(stopped)
		}()
		cancel()

		convey.Convey("Then Run returns", func() {
			select {
			case <-stopped:
			case <-time.After(time.Second):
				convey.So("worker still running", convey.ShouldBeEmpty)
			}
		})
	})

	convey.Convey("Given a worker whose queue closes", t, func() {
		convey.So(logging.Init(), convey.ShouldBeNil)
		mq := newMockQueue()
		w := worker.NewInMemoryWorker(mq, newMockRecorder())
		stopped := make(chan struct{})
		go func() {
			w.Run(context.Background())
			close(stopped)
		}()
		convey.So(mq.Close(), convey.ShouldBeNil)

		convey.Convey("Then Run returns", func() {
			select {
			case <-stopped:
			case <-time.After(time.Second):
				convey.So("worker still running", convey.ShouldBeEmpty)
			}
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		convey.So(logging.Init(), convey.ShouldBeNil)
		q := queue.NewInMemoryQueue(queue.WithCapacity(200))
		rec := newMockRecorder()

		convey.Convey("When created with a non-positive count", func() {
			p := worker.NewPool(0, q, rec)

			convey.Convey("Then it runs one worker", func() {
				convey.So(p.Size(), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When a single worker drains a burst on shutdown", func() {
			p := worker.NewPool(1, q, rec)
			p.Start(context.Background())
			for i := 0; i < 100; i++ {
				convey.So(q.Enqueue(context.Background(), model.Result{ResultID: fmt.Sprintf("r%03d", i)}), convey.ShouldBeTrue)
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := p.Shutdown(sctx)

			convey.Convey("Then every result is applied in submission order", func() {
				convey.So(err, convey.ShouldBeNil)
				ids := rec.appliedIDs()
				convey.So(ids, convey.ShouldHaveLength, 100)
				for i, id := range ids {
					convey.So(id, convey.ShouldEqual, fmt.Sprintf("r%03d", i))
				}
				convey.So(p.Processed(), convey.ShouldEqual, 100)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When several workers share the queue", func() {
			p := worker.NewPool(4, q, rec)
			p.Start(context.Background())
			for i := 0; i < 150; i++ {
				convey.So(q.Enqueue(context.Background(), model.Result{ResultID: fmt.Sprintf("r%d", i)}), convey.ShouldBeTrue)
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			convey.Convey("Then all results are applied once", func() {
				convey.So(p.Shutdown(sctx), convey.ShouldBeNil)
				ids := rec.appliedIDs()
				convey.So(ids, convey.ShouldHaveLength, 150)
				seen := map[string]bool{}
				for _, id := range ids {
					convey.So(seen[id], convey.ShouldBeFalse)
					seen[id] = true
				}
			})
		})

		convey.Convey("When shutdown runs out of time", func() {
			rec.delay = 200 * time.Millisecond
			p := worker.NewPool(1, q, rec)
			p.Start(context.Background())
			for i := 0; i < 20; i++ {
				q.Enqueue(context.Background(), model.Result{ResultID: fmt.Sprintf("r%d", i)})
			}
			sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			convey.Convey("Then it reports the deadline", func() {
				err := p.Shutdown(sctx)
				convey.So(errors.Is(err, context.DeadlineExceeded), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When shut down without starting", func() {
			p := worker.NewPool(2, q, rec)

			convey.Convey("Then it only closes the queue", func() {
				convey.So(p.Shutdown(context.Background()), convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})
}
