package locker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi"
)

func TestTryLockIsExclusive(t *testing.T) {
	l := New()
	if !l.TryLock("scan") {
		t.Fatal("expected the first TryLock to succeed")
	}
	if l.TryLock("gcode") {
		t.Error("expected the second TryLock to fail")
	}
	if h, _ := l.Holder(); h != "scan" {
		t.Errorf("expected holder scan got %q", h)
	}
	l.Unlock()
	if l.Locked() {
		t.Error("expected unlocked after Unlock")
	}
	if !l.TryLock("gcode") {
		t.Error("expected TryLock to succeed after Unlock")
	}
}

func TestTryLockConcurrent(t *testing.T) {
	l := New()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryLock("x") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("expected exactly one winner got %d", won)
	}
}

func TestCheckAndRoute(t *testing.T) {
	l := New()
	r := chi.NewRouter()
	Inject(r, l)
	r.With(l.Check).Get("/cube", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if code := get("/cube").Code; code != http.StatusOK {
		t.Errorf("expected %d got %d", http.StatusOK, code)
	}
	l.TryLock("scan")
	if code := get("/cube").Code; code != http.StatusLocked {
		t.Errorf("expected %d got %d", http.StatusLocked, code)
	}

	rec := get("/lock")
	var s struct {
		Locked bool   `json:"locked"`
		Holder string `json:"holder"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if !s.Locked || s.Holder != "scan" {
		t.Errorf("expected locked by scan got %+v", s)
	}
}
