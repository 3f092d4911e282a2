package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/therascribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/therascribe/pkg/provider/stt/mock"
)

// startedAdapters returns initialised, accepting mock adapters.
func startedAdapters(t *testing.T, names ...string) []*sttmock.Adapter {
	t.Helper()
	out := make([]*sttmock.Adapter, len(names))
	for i, n := range names {
		a := sttmock.New(n, stt.ModeBatch)
		if err := a.Initialize(context.Background(), stt.Config{}); err != nil {
			t.Fatalf("Initialize %s: %v", n, err)
		}
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start %s: %v", n, err)
		}
		out[i] = a
	}
	return out
}

func reporters(as []*sttmock.Adapter) []StatusReporter {
	out := make([]StatusReporter, len(as))
	for i, a := range as {
		out[i] = a
	}
	return out
}

// relayHandler wires the checks the server registers: any stt provider up
// and the relay accepting connections.
func relayHandler(as []*sttmock.Adapter, accepting *atomic.Bool) *Handler {
	rs := reporters(as)
	return New(
		WithCheckers(
			AnyAvailable("stt", rs...),
			Accepting("relay", accepting.Load),
		),
		WithProviders(rs...),
	)
}

func readyz(t *testing.T, h *Handler) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresProviders(t *testing.T) {
	as := startedAdapters(t, "deepgram")
	as[0].SetUnavailable(true)
	var accepting atomic.Bool
	h := relayHandler(as, &accepting)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz_RelayServing(t *testing.T) {
	as := startedAdapters(t, "deepgram", "whisper")
	var accepting atomic.Bool
	accepting.Store(true)

	code, rep := readyz(t, relayHandler(as, &accepting))
	if code != http.StatusOK || rep.Status != "ok" {
		t.Fatalf("readyz = %d %q, want 200 ok", code, rep.Status)
	}
	for _, name := range []string{"stt", "relay"} {
		if rep.Checks[name].Status != "ok" {
			t.Errorf("check %s = %+v, want ok", name, rep.Checks[name])
		}
	}
	if len(rep.Providers) != 2 || !rep.Providers["whisper"].Available {
		t.Errorf("providers = %+v, want both listed as available", rep.Providers)
	}
}

func TestReadyz_OneProviderDownStaysReady(t *testing.T) {
	as := startedAdapters(t, "deepgram", "whisper")
	as[0].SetUnavailable(true)
	var accepting atomic.Bool
	accepting.Store(true)

	code, rep := readyz(t, relayHandler(as, &accepting))
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 while a fallback is up", code)
	}
	if rep.Providers["deepgram"].Available {
		t.Error("deepgram reported available, want down in the provider breakdown")
	}
}

func TestReadyz_AllProvidersDown(t *testing.T) {
	as := startedAdapters(t, "deepgram", "whisper")
	for _, a := range as {
		a.SetUnavailable(true)
	}
	var accepting atomic.Bool
	accepting.Store(true)

	code, rep := readyz(t, relayHandler(as, &accepting))
	if code != http.StatusServiceUnavailable || rep.Status != "fail" {
		t.Fatalf("readyz = %d %q, want 503 fail", code, rep.Status)
	}
	sc := rep.Checks["stt"]
	if sc.Status != "fail" || sc.Error != "all providers unavailable: deepgram, whisper" {
		t.Errorf("stt check = %+v", sc)
	}
	if rep.Checks["relay"].Status != "ok" {
		t.Errorf("relay check = %+v, want ok", rep.Checks["relay"])
	}
}

func TestReadyz_RelayDraining(t *testing.T) {
	as := startedAdapters(t, "deepgram")
	var accepting atomic.Bool

	code, rep := readyz(t, relayHandler(as, &accepting))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while draining", code)
	}
	if got := rep.Checks["relay"].Error; got != ErrNotAccepting.Error() {
		t.Errorf("relay error = %q, want %q", got, ErrNotAccepting)
	}

	accepting.Store(true)
	if code, _ := readyz(t, relayHandler(as, &accepting)); code != http.StatusOK {
		t.Errorf("status after accepting = %d, want 200", code)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(WithCheckers(
		Checker{Name: "sink", Check: slow},
		Checker{Name: "stt", Check: slow},
		Checker{Name: "redis", Check: slow},
	))

	start := time.Now()
	code, rep := readyz(t, h)
	if took := time.Since(start); took > 250*time.Millisecond {
		t.Errorf("readyz took %v, want the three 100ms checks to overlap", took)
	}
	if code != http.StatusOK || len(rep.Checks) != 3 {
		t.Fatalf("readyz = %d with %d checks, want 200 with 3", code, len(rep.Checks))
	}
	if d := rep.Checks["sink"].DurationMS; d < 100 {
		t.Errorf("sink durationMs = %d, want >= 100", d)
	}
}

func TestReadyz_RequestCancellationFailsChecks(t *testing.T) {
	h := New(WithCheckers(Checker{Name: "stt", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	code, rep := readyz(t, New())
	if code != http.StatusOK || rep.Providers != nil {
		t.Errorf("readyz = %d %+v, want 200 without providers", code, rep)
	}
}

func TestRegister_Routes(t *testing.T) {
	as := startedAdapters(t, "deepgram")
	var accepting atomic.Bool
	accepting.Store(true)
	mux := http.NewServeMux()
	relayHandler(as, &accepting).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
