package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darkhz/btlocal/errorkinds"
)

func TestWaitCompleted(t *testing.T) {
	op := Go(func(ctx context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	})

	v, err := Wait(context.Background(), op, time.Second)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if v != 42 {
		t.Errorf("Wait() = %d, want 42", v)
	}
	if op.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want %s", op.Status(), StatusCompleted)
	}
}

func TestWaitTimeoutCancelsOperation(t *testing.T) {
	canceled := make(chan struct{})

	op := Go(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(canceled)

		return "", ctx.Err()
	})

	start := time.Now()
	_, err := Wait(context.Background(), op, 20*time.Millisecond)
	if !errors.Is(err, errorkinds.ErrOperationTimeout) {
		t.Fatalf("Wait error = %v, want ErrOperationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait took %s, expected to return near the timeout", elapsed)
	}

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("operation was not cancelled after timeout")
	}

	if op.Status() != StatusCanceled {
		t.Errorf("Status() = %s, want %s", op.Status(), StatusCanceled)
	}
}

func TestWaitFailedAndCanceled(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		op      *Pending[int]
		wantErr error
	}{
		{
			name:    "failed operation returns its error",
			op:      Failed[int](errBoom),
			wantErr: errBoom,
		},
		{
			name: "cancelled operation returns canceled",
			op: func() *Pending[int] {
				p := New[int]()
				p.Cancel()
				return p
			}(),
			wantErr: errorkinds.ErrOperationCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Wait(context.Background(), tt.op, time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Wait error = %v, want %v", err, tt.wantErr)
			}
			if v != 0 {
				t.Errorf("Wait value = %d, want zero value", v)
			}
		})
	}
}

func TestWaitContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := New[bool]()
	_, err := Wait(ctx, op, 0)
	if !errors.Is(err, errorkinds.ErrOperationCanceled) || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want canceled", err)
	}
	if op.Status() != StatusCanceled {
		t.Errorf("Status() = %s, want %s", op.Status(), StatusCanceled)
	}
}

func TestResolvesOnce(t *testing.T) {
	p := New[int]()

	if !p.Complete(1) {
		t.Fatal("first Complete did not resolve the operation")
	}
	if p.Complete(2) || p.Fail(errors.New("late")) {
		t.Error("operation was resolved twice")
	}
	p.Cancel()

	v, err := p.Result()
	if err != nil || v != 1 {
		t.Errorf("Result() = (%d, %v), want (1, nil)", v, err)
	}
}

func TestResultBeforeFinish(t *testing.T) {
	p := New[int]()

	if _, err := p.Result(); err == nil {
		t.Error("Result on an unfinished operation returned no error")
	}
	if p.Status() != StatusStarted {
		t.Errorf("Status() = %s, want %s", p.Status(), StatusStarted)
	}
}

func TestAwait(t *testing.T) {
	if v, ok := Await(context.Background(), Completed("ok"), time.Second); !ok || v != "ok" {
		t.Errorf("Await(Completed) = (%q, %t), want (\"ok\", true)", v, ok)
	}

	if _, ok := Await(context.Background(), Failed[string](errors.New("x")), time.Second); ok {
		t.Error("Await(Failed) reported success")
	}
}

func TestConcurrentWaits(t *testing.T) {
	p := New[int]()

	var wg sync.WaitGroup
	results := make(chan int, 8)

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			v, err := Wait(context.Background(), p, time.Second)
			if err == nil {
				results <- v
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.Complete(7)
	wg.Wait()
	close(results)

	var count int
	for v := range results {
		if v != 7 {
			t.Errorf("waiter got %d, want 7", v)
		}
		count++
	}
	if count != 8 {
		t.Errorf("%d waiters completed, want 8", count)
	}
}
