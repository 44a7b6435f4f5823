package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/snapshot" {
			t.Errorf("path = %s, want /v1/snapshot", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_123" {
			t.Errorf("authorization = %q, want bearer token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"self_id": "u1",
			"self_name": "Nathan",
			"contacts": [{"id": "u2", "name": "Alice", "status": "online"}],
			"conversations": [{
				"key": {"kind": "direct", "target_id": "u2"},
				"name": "Alice",
				"messages": [{"id": "m1", "sender_id": "u2", "content": "hey"}]
			}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok_123")
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SelfID != "u1" {
		t.Errorf("self id = %q, want u1", snap.SelfID)
	}
	if len(snap.Contacts) != 1 || snap.Contacts[0].Status != domain.StatusOnline {
		t.Errorf("contacts = %+v", snap.Contacts)
	}
	if len(snap.Conversations) != 1 || len(snap.Conversations[0].Messages) != 1 {
		t.Errorf("conversations = %+v", snap.Conversations)
	}
}

func TestHistoryPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/group/g1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("before") != "m5" || q.Get("limit") != "20" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [
			{"id": "m3", "sender_id": "u2", "content": "older"},
			{"id": "m4", "sender_id": "u3", "content": "old"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	page, err := c.HistoryPage(context.Background(), domain.GroupKey("g1"), "m5", 20)
	if err != nil {
		t.Fatalf("history page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m3" {
		t.Fatalf("page = %+v", page)
	}
}

func TestBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "snapshot unavailable"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Snapshot(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "snapshot unavailable") {
		t.Fatalf("error = %v, want server message", err)
	}
}
