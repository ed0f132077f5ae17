package stampede

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_CollapsesConcurrentCallers(t *testing.T) {
	g := New()

	var calls atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func() ([]byte, error) {
		calls.Add(1)
		close(started)
		<-release
		return []byte("payload"), nil
	}

	const n = 16
	results := make([][]byte, n)
	var wg sync.WaitGroup
	wg.Add(n)

	go func() {
		val, _, err := g.Do("tile:14:1:1", fn)
		if err != nil {
			t.Errorf("leader: %v", err)
		}
		results[0] = val
		wg.Done()
	}()
	<-started

	follower := func() ([]byte, error) {
		t.Error("follower fetch ran despite in-flight leader")
		return nil, nil
	}
	for i := 1; i < n; i++ {
		go func(i int) {
			val, _, err := g.Do("tile:14:1:1", follower)
			if err != nil {
				t.Errorf("follower: %v", err)
			}
			results[i] = val
			wg.Done()
		}(i)
	}
	// give the followers time to block on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch ran %d times, want 1", got)
	}
	for i, r := range results {
		if string(r) != "payload" {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
}

func TestDo_BroadcastsFailure(t *testing.T) {
	g := New()
	wantErr := errors.New("upstream down")

	_, _, err := g.Do("k", func() ([]byte, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}

	// failure is not sticky: next call runs a fresh fetch
	val, _, err := g.Do("k", func() ([]byte, error) { return []byte("ok"), nil })
	if err != nil || string(val) != "ok" {
		t.Fatalf("retry after failure: val=%q err=%v", val, err)
	}
}

func TestForget_AllowsFreshFetch(t *testing.T) {
	g := New()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _, _ = g.Do("k", func() ([]byte, error) {
			close(started)
			<-release
			return []byte("stale"), nil
		})
		close(done)
	}()
	<-started
	g.Forget("k")

	fresh := make(chan []byte, 1)
	go func() {
		val, _, _ := g.Do("k", func() ([]byte, error) { return []byte("fresh"), nil })
		fresh <- val
	}()

	if got := <-fresh; string(got) != "fresh" {
		t.Fatalf("post-forget caller got %q", got)
	}
	close(release)
	<-done
}
