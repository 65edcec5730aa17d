package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cgast/autonomy/pkg/bus"
)

func TestMetricsSourceEmitsSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errorRate": 0.06}`))
	}))
	defer srv.Close()

	b := bus.New(10)
	var got float64
	var seen int32
	b.On("metrics:sample", func(ev bus.Event) error {
		m := ev.Data.(map[string]any)
		got = m["errorRate"].(float64)
		atomic.AddInt32(&seen, 1)
		return nil
	})

	src, err := NewMetricsSource(srv.URL, nil, time.Hour, b)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go src.Run(ctx)
	defer cancel()

	waitFor(t, func() bool { return atomic.LoadInt32(&seen) == 1 })
	if got != 0.06 {
		t.Errorf("errorRate = %v, want 0.06", got)
	}
}

func TestMetricsSourceRejectsDisallowedDomain(t *testing.T) {
	_, err := NewMetricsSource("https://evil.example.com/metrics", []string{"good.example.com"}, time.Minute, nil)
	if err == nil {
		t.Error("expected an error for a disallowed domain")
	}
}

func TestMetricsSourceReportsPollError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	b := bus.New(10)
	src, err := NewMetricsSource(srv.URL, nil, time.Hour, b)
	if err != nil {
		t.Fatal(err)
	}
	var reported int32
	src.OnPollError = func(error) { atomic.AddInt32(&reported, 1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.poll(ctx)

	if atomic.LoadInt32(&reported) != 1 {
		t.Error("expected OnPollError to be called for malformed JSON")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
