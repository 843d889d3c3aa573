package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetOnlineEmitsEdgesOnly(t *testing.T) {
	m := NewMonitor(nil, time.Second)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	// Repeating the current state is not a transition.
	m.SetOnline(false)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e)
	default:
	}

	m.SetOnline(true)
	if e := <-events; e != BecameOnline {
		t.Fatalf("event = %s, want became-online", e)
	}
	if !m.Online() {
		t.Error("Online() = false")
	}

	m.SetOnline(true)
	select {
	case e := <-events:
		t.Fatalf("steady state emitted %s", e)
	default:
	}

	m.SetOnline(false)
	if e := <-events; e != BecameOffline {
		t.Fatalf("event = %s, want became-offline", e)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMonitor(nil, time.Second)
	events, unsubscribe := m.Subscribe()
	unsubscribe()

	m.SetOnline(true)
	select {
	case e := <-events:
		t.Fatalf("event %s after unsubscribe", e)
	default:
	}
}

func TestMonitorPollsProvider(t *testing.T) {
	m := NewMonitor(StaticProvider(true), 10*time.Millisecond)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	select {
	case e := <-events:
		if e != BecameOnline {
			t.Fatalf("event = %s", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no became-online edge from initial check")
	}
}

func TestHTTPProviderClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	if !p.Check(context.Background()) {
		t.Error("a 5xx response still proves reachability")
	}

	srv.Close()
	if p.Check(context.Background()) {
		t.Error("transport failure must report offline")
	}
}
