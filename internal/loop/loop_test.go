package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDoSerializes(t *testing.T) {
	l := New()
	l.Start(context.Background())
	defer l.Stop()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Do(context.Background(), func() { counter++ }); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := Query(context.Background(), l, func() int { return counter })
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Errorf("counter = %d, want 100", got)
	}
}

func TestDoAfterStop(t *testing.T) {
	l := New()
	l.Start(context.Background())
	l.Stop()

	err := l.Do(context.Background(), func() { t.Error("closure ran after stop") })
	if !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	l := New()
	l.Stop()
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	l := New()
	l.Start(context.Background())
	defer l.Stop()

	block := make(chan struct{})
	go func() { _ = l.Do(context.Background(), func() { <-block }) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
