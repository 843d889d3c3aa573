package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func pushVia(t *testing.T, handler http.HandlerFunc, req *PushRequest) (*PushResponse, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewAPIClient(srv.URL, "test-token")
	return client.Push(context.Background(), req)
}

func TestPushAcceptedDecodesVersion(t *testing.T) {
	var gotPath, gotMethod, gotKey, gotAuth string
	resp, err := pushVia(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]int{"version": 4})
	}, &PushRequest{
		Action:         models.ActionUpdate,
		EntityType:     models.EntityTask,
		EntityID:       "t1",
		Payload:        json.RawMessage(`{"title":"x"}`),
		IdempotencyKey: "update:task:t1:123",
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if resp.Version != 4 {
		t.Errorf("version = %d", resp.Version)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/v1/tasks/t1" {
		t.Errorf("routed to %s %s", gotMethod, gotPath)
	}
	if gotKey != "update:task:t1:123" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestPushConflictCarriesRemoteCopy(t *testing.T) {
	remote := models.Task{ID: "t1", Title: "remote", Version: 6}
	resp, err := pushVia(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(remote)
	}, &PushRequest{Action: models.ActionUpdate, EntityType: models.EntityTask, EntityID: "t1"})

	if !errors.IsConflict(err) {
		t.Fatalf("error = %v, want conflict", err)
	}
	if resp == nil || resp.RemoteTask == nil || resp.RemoteTask.Version != 6 {
		t.Errorf("remote copy = %+v", resp)
	}
}

func TestPushServerErrorIsTransient(t *testing.T) {
	_, err := pushVia(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}, &PushRequest{Action: models.ActionCreate, EntityType: models.EntityTask, EntityID: "t1"})

	if !errors.Is(err, errors.ErrSyncTransient) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestPushClientErrorIsRejection(t *testing.T) {
	_, err := pushVia(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}, &PushRequest{Action: models.ActionCreate, EntityType: models.EntityTask, EntityID: "t1"})

	if !errors.Is(err, errors.ErrSyncRejected) {
		t.Errorf("error = %v, want rejected", err)
	}
	if !errors.Retryable(err) {
		t.Error("rejections stay in the retry rotation")
	}
}

func TestPushTransportFailureIsTransient(t *testing.T) {
	client := NewAPIClient("http://127.0.0.1:1", "")
	_, err := client.Push(context.Background(),
		&PushRequest{Action: models.ActionCreate, EntityType: models.EntityTask, EntityID: "t1"})
	if !errors.Is(err, errors.ErrSyncTransient) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestRouteByAction(t *testing.T) {
	c := NewAPIClient("http://api", "")

	method, url := c.route(&PushRequest{Action: models.ActionCreate, EntityType: models.EntityTask})
	if method != http.MethodPost || url != "http://api/api/v1/tasks" {
		t.Errorf("create -> %s %s", method, url)
	}
	method, url = c.route(&PushRequest{Action: models.ActionDelete, EntityType: models.EntityTask, EntityID: "t9"})
	if method != http.MethodDelete || url != "http://api/api/v1/tasks/t9" {
		t.Errorf("delete -> %s %s", method, url)
	}
}
