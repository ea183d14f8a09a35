package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRouter_FanOut(t *testing.T) {
	var buf bytes.Buffer
	var got []string
	cb := NewCallback(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	}, TypeClip)
	boom := NewCallback(func(context.Context, Event) error { return errors.New("boom") })

	r := NewRouter(nil, NewStdout(&buf), boom, cb)
	if err := r.Send(context.Background(), NewEvent(TypeScan, "p1", map[string]int{"n": 1})); err == nil {
		t.Error("failing sink error swallowed")
	}
	r.Send(context.Background(), NewEvent(TypeClip, "p1", nil))

	if len(got) != 1 || got[0] != TypeClip {
		t.Errorf("filtered callback: %v", got)
	}
	dec := json.NewDecoder(&buf)
	var ev Event
	if err := dec.Decode(&ev); err != nil || ev.Type != TypeScan || ev.PageID != "p1" || ev.ID == "" {
		t.Errorf("stdout line: %+v %v", ev, err)
	}
}

func TestWebhook_Retry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.Type != TypeRender {
			t.Errorf("body: %+v %v", ev, err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond))
	if err := w.Send(context.Background(), NewEvent(TypeRender, "p", nil)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls: %d", calls.Load())
	}

	w = NewWebhook(srv.URL+"/nowhere", WithWebhookRetries(0))
	calls.Store(0)
	if err := w.Send(context.Background(), NewEvent(TypeRender, "p", nil)); err == nil {
		t.Error("502 without retries accepted")
	}
}

func TestWebhook_PermanentFailureAndFilter(t *testing.T) {
	var calls atomic.Int32
	var key atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		key.Store(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookTypes(TypeClip))
	if err := w.Send(context.Background(), NewEvent(TypeScan, "p", nil)); err != nil || calls.Load() != 0 {
		t.Errorf("filtered event: %v, %d calls", err, calls.Load())
	}
	ev := NewEvent(TypeClip, "p", nil)
	if err := w.Send(context.Background(), ev); err == nil {
		t.Error("400 accepted")
	}
	if calls.Load() != 1 {
		t.Errorf("400 retried: %d calls", calls.Load())
	}
	if key.Load() != ev.ID {
		t.Errorf("idempotency key %v, want %s", key.Load(), ev.ID)
	}
}
