package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHTTPRemoteClientSave(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody saveRequestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(RemoteRecord{
			EntityID: "item-1",
			Status:   StatusCompleted,
			Notes:    "done",
			Version:  4,
		})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{
		BaseURL: server.URL + "/",
		Tokens:  NewStaticTokenSource("inspector-7", "tok-abc"),
	})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}

	record, err := client.Save(context.Background(), WriteRequest{
		EntityID:        "item-1",
		Status:          StatusCompleted,
		Notes:           "done",
		ActorID:         "inspector-7",
		ExpectedVersion: 3,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if record.Version != 4 {
		t.Fatalf("expected stored record back, got %+v", record)
	}
	if gotPath != "PUT /api/entities/item-1" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotBody.ExpectedVersion == nil || *gotBody.ExpectedVersion != 3 {
		t.Fatalf("expected version precondition in body, got %+v", gotBody)
	}
}

func TestHTTPRemoteClientForceOmitsVersionCheck(t *testing.T) {
	var gotBody saveRequestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(RemoteRecord{EntityID: "item-1", Version: 5})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	_, err = client.Save(context.Background(), WriteRequest{
		EntityID:        "item-1",
		Status:          StatusCompleted,
		ExpectedVersion: 3,
		Force:           true,
	})
	if err != nil {
		t.Fatalf("forced save failed: %v", err)
	}
	if gotBody.ExpectedVersion != nil {
		t.Fatalf("forced write must omit expectedVersion, got %d", *gotBody.ExpectedVersion)
	}
}

func TestHTTPRemoteClientConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictResponseBody{
			Code: "version_conflict",
			Current: RemoteRecord{
				EntityID:   "item-1",
				Status:     StatusCompleted,
				Notes:      "replaced the breaker",
				Version:    2,
				ModifiedBy: "inspector-7",
			},
		})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	_, err = client.Save(context.Background(), WriteRequest{EntityID: "item-1", Status: StatusPending, ExpectedVersion: 1})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("conflict must match ErrVersionConflict, got %v", err)
	}
	if conflict.EntityID != "item-1" || conflict.Remote.Version != 2 || conflict.Remote.ModifiedBy != "inspector-7" {
		t.Fatalf("conflict payload incomplete: %+v", conflict)
	}
}

func TestHTTPRemoteClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"error":"backend unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(RemoteRecord{EntityID: "item-1", Version: 2})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{
		BaseURL:    server.URL,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	record, err := client.Save(context.Background(), WriteRequest{EntityID: "item-1", Status: StatusPending})
	if err != nil {
		t.Fatalf("expected save to succeed after retries, got %v", err)
	}
	if record.Version != 2 {
		t.Fatalf("unexpected record %+v", record)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPRemoteClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"code":"bad_request","message":"status is required"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{
		BaseURL:    server.URL,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	_, err = client.Save(context.Background(), WriteRequest{EntityID: "item-1"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected HTTPError 400, got %v", err)
	}
	if httpErr.Message != "status is required" {
		t.Fatalf("expected decoded message, got %q", httpErr.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("client errors must not retry, got %d attempts", got)
	}
}

func TestHTTPRemoteClientPropagatesTokenErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	expired := signedTestToken(t, jwt.MapClaims{
		"sub": "inspector-7",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	tokens, err := NewJWTTokenSource(expired)
	if err != nil {
		t.Fatalf("NewJWTTokenSource failed: %v", err)
	}
	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{BaseURL: server.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	_, err = client.Save(context.Background(), WriteRequest{EntityID: "item-1", Status: StatusPending})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired before any request, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expired token must short-circuit, server saw %d requests", got)
	}
}

func TestHTTPRemoteClientFetchAndHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/api/entities/item-9":
			json.NewEncoder(w).Encode(RemoteRecord{EntityID: "item-9", Status: StatusFailed, Version: 6})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(HTTPRemoteClientOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient failed: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health failed: %v", err)
	}
	record, err := client.Fetch(context.Background(), "item-9")
	if err != nil || record.Version != 6 {
		t.Fatalf("fetch returned %+v err=%v", record, err)
	}
	if _, err := client.Fetch(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank entity, got %v", err)
	}
}
