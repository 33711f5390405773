package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_SingleFlight(t *testing.T) {
	var factoryCalls atomic.Int32
	release := make(chan struct{})

	c := New(func(ctx context.Context, key string) (string, error) {
		factoryCalls.Add(1)
		<-release
		return "value-" + key, nil
	}, nil, nil)

	const callers = 10
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k")
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			results[i] = v
		}(i)
	}

	// Let every caller pile up on the same entry before the factory
	// settles.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("factory calls = %d, want 1", got)
	}
	for i, v := range results {
		if v != "value-k" {
			t.Errorf("caller %d got %q, want %q", i, v, "value-k")
		}
	}
}

func TestCache_ErrorStaysCached(t *testing.T) {
	var factoryCalls atomic.Int32
	wantErr := errors.New("factory failed")

	c := New(func(ctx context.Context, key string) (int, error) {
		factoryCalls.Add(1)
		return 0, wantErr
	}, nil, nil)

	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, wantErr) {
		t.Fatalf("first Get err = %v, want %v", err, wantErr)
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, wantErr) {
		t.Fatalf("second Get err = %v, want %v", err, wantErr)
	}
	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("factory calls = %d, want 1 (failures are memoized)", got)
	}

	// Invalidate allows a retry.
	c.Invalidate("k")
	c.Get(context.Background(), "k")
	if got := factoryCalls.Load(); got != 2 {
		t.Errorf("factory calls after Invalidate = %d, want 2", got)
	}
}

func TestCache_Normalization(t *testing.T) {
	var factoryCalls atomic.Int32

	normalize := func(k string) string {
		k = strings.ToLower(k)
		if !strings.HasSuffix(k, "/") {
			k += "/"
		}
		return k
	}

	c := New(func(ctx context.Context, key string) (string, error) {
		factoryCalls.Add(1)
		return key, nil
	}, normalize, nil)

	a, _ := c.Get(context.Background(), "http://EXAMPLE.com")
	b, _ := c.Get(context.Background(), "http://example.com/")

	if got := factoryCalls.Load(); got != 1 {
		t.Errorf("factory calls = %d, want 1 (keys should collide)", got)
	}
	if a != b {
		t.Errorf("normalized keys returned different values: %q vs %q", a, b)
	}
}

func TestCache_EmptyKeyIsDistinctSlot(t *testing.T) {
	c := New(func(ctx context.Context, key string) (string, error) {
		return "for:" + key, nil
	}, nil, nil)

	empty, _ := c.Get(context.Background(), "")
	keyed, _ := c.Get(context.Background(), "k")

	if empty == keyed {
		t.Errorf("empty key and real key share a value: %q", empty)
	}
	if !c.Has("") {
		t.Error("empty key slot missing")
	}
}

type badDisposer struct {
	disposed atomic.Bool
}

func (d *badDisposer) Dispose() error {
	d.disposed.Store(true)
	return errors.New("dispose failed")
}

func TestCache_ClearSurvivesDisposalError(t *testing.T) {
	values := map[string]*badDisposer{
		"a": {},
		"b": {},
	}

	c := New(func(ctx context.Context, key string) (*badDisposer, error) {
		return values[key], nil
	}, nil, nil)

	c.Get(context.Background(), "a")
	c.Get(context.Background(), "b")

	// Must not panic or skip siblings even though every disposal
	// fails.
	c.Clear(context.Background())

	for key, d := range values {
		if !d.disposed.Load() {
			t.Errorf("value %q was not disposed", key)
		}
	}
	if len(c.Keys()) != 0 {
		t.Errorf("cache not empty after Clear: %v", c.Keys())
	}
}

func TestCache_DisposeReleasesValues(t *testing.T) {
	d := &badDisposer{}
	c := New(func(ctx context.Context, key string) (*badDisposer, error) {
		return d, nil
	}, nil, nil)

	c.Get(context.Background(), "a")
	c.Dispose(context.Background())

	if !d.disposed.Load() {
		t.Error("value was not disposed")
	}
	if c.Has("a") {
		t.Error("entry survived Dispose")
	}
}

func TestCache_PeekDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	c := New(func(ctx context.Context, key string) (string, error) {
		<-release
		return "v", nil
	}, nil, nil)

	if _, ok := c.Peek("k"); ok {
		t.Error("Peek on missing key reported a value")
	}

	go c.Get(context.Background(), "k")
	time.Sleep(10 * time.Millisecond)

	// In flight: Peek must return immediately with no value.
	if _, ok := c.Peek("k"); ok {
		t.Error("Peek on in-flight entry reported a value")
	}

	close(release)
	time.Sleep(10 * time.Millisecond)

	if v, ok := c.Peek("k"); !ok || v != "v" {
		t.Errorf("Peek after settle = %q, %v; want \"v\", true", v, ok)
	}
}
