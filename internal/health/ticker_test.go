package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTicker_StartStop(t *testing.T) {
	var calls atomic.Int32
	tk := NewTicker([]Service{{Checker: Checker{Name: "rules", Check: func(context.Context) error {
		calls.Add(1)
		return nil
	}}}}, WithInterval(5*time.Millisecond))

	if err := tk.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(context.Background()); !errors.Is(err, ErrTickerStarted) {
		t.Errorf("second Start = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	tk.Stop()
	tk.Stop()

	if calls.Load() < 3 {
		t.Errorf("checks = %d, want >= 3", calls.Load())
	}
	st, ok := tk.Status("rules")
	if !ok || !st.Healthy || st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestTicker_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := NewTicker(nil, WithInterval(time.Millisecond))
	if err := tk.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	tk.Stop()
}

func TestTicker_StopWithoutStart(t *testing.T) {
	NewTicker(nil).Stop()
}

func TestTicker_RestartBookkeeping(t *testing.T) {
	var mu sync.Mutex
	var restarted []string
	var healthy atomic.Bool
	tk := NewTicker([]Service{{
		Checker: Checker{Name: "memory", Check: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("HTTP 500")
		}},
		MaxRestarts: 2,
		Restart: func(_ context.Context, name string) error {
			mu.Lock()
			restarted = append(restarted, name)
			mu.Unlock()
			return nil
		},
	}})

	ctx := context.Background()
	for range 4 {
		tk.CheckNow(ctx)
	}
	st, _ := tk.Status("memory")
	if st.Healthy || st.ConsecutiveFailures != 4 || st.Restarts != 2 || st.Err != "HTTP 500" {
		t.Errorf("status = %+v", st)
	}
	if len(restarted) != 2 {
		t.Errorf("restarts requested = %v", restarted)
	}

	healthy.Store(true)
	tk.CheckNow(ctx)
	st, _ = tk.Status("memory")
	if !st.Healthy || st.ConsecutiveFailures != 0 || st.Restarts != 2 || st.Err != "" {
		t.Errorf("recovered status = %+v", st)
	}
}

func TestTicker_CheckTimeout(t *testing.T) {
	var seen []ServiceStatus
	tk := NewTicker([]Service{{Checker: Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}, MaxRestarts: -1}},
		WithCheckTimeout(10*time.Millisecond),
		WithStatusHook(func(s ServiceStatus) { seen = append(seen, s) }),
	)
	tk.CheckNow(context.Background())

	if len(seen) != 1 || seen[0].Healthy || seen[0].Restarts != 0 {
		t.Fatalf("hook saw %+v", seen)
	}
	if seen[0].ResponseTime < 10*time.Millisecond {
		t.Errorf("ResponseTime = %s", seen[0].ResponseTime)
	}
}

func TestTicker_StatusesSorted(t *testing.T) {
	t.Parallel()

	tk := NewTicker([]Service{
		{Checker: Checker{Name: "rules", Check: ok}},
		{Checker: Checker{Name: "lore", Check: ok}},
	})
	st := tk.Statuses()
	if len(st) != 2 || st[0].Name != "lore" || st[1].Name != "rules" {
		t.Errorf("Statuses = %+v", st)
	}
	if _, ok := tk.Status("missing"); ok {
		t.Error("unknown service found")
	}
}
