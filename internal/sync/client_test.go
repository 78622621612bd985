package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rvanner/lore/internal/entity"
)

func TestHTTPPeerPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/push" {
			http.NotFound(w, r)
			return
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ClientID != "c1" || len(req.Entities) != 1 {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(PushResponse{Success: true, SyncVersion: req.LastSyncVersion + 1})
	}))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL, 5*time.Second)
	resp, err := peer.Push(context.Background(), PushRequest{
		ClientID:        "c1",
		Entities:        []*entity.Entity{{ID: "e1", Title: "x"}},
		LastSyncVersion: 3,
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !resp.Success || resp.SyncVersion != 4 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestHTTPPeerPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/pull" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(PullResponse{
			Entities:    []*entity.Entity{{ID: "r1", Title: "remote"}},
			SyncVersion: 7,
			HasMore:     true,
		})
	}))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL, 5*time.Second)
	resp, err := peer.Pull(context.Background(), PullRequest{ClientID: "c1", Limit: 10})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(resp.Entities) != 1 || resp.Entities[0].ID != "r1" {
		t.Errorf("Entities not decoded: %+v", resp.Entities)
	}
	if resp.SyncVersion != 7 || !resp.HasMore {
		t.Errorf("Paging fields not decoded: %+v", resp)
	}
}

func TestHTTPPeerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL, 5*time.Second)
	if _, err := peer.Push(context.Background(), PushRequest{ClientID: "c1"}); err == nil {
		t.Error("Expected error for non-200 status")
	}
}
