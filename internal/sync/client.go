package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rvanner/lore/internal/entity"
)

// Wire types for the peer protocol. Both endpoints are idempotent with
// respect to repeated delivery of the same syncVersion.

// PushRequest uploads locally pending entities.
type PushRequest struct {
	ClientID        string           `json:"clientId"`
	Entities        []*entity.Entity `json:"entities"`
	LastSyncVersion int64            `json:"lastSyncVersion"`
}

// RemoteConflict reports a concurrent remote edit for a pushed entity.
type RemoteConflict struct {
	EntityID string         `json:"entityId"`
	ClientID string         `json:"clientId,omitempty"` // originating remote client, if known
	Remote   *entity.Entity `json:"remote"`
}

// PushResponse acknowledges a push.
type PushResponse struct {
	Success     bool             `json:"success"`
	SyncVersion int64            `json:"syncVersion"`
	Conflicts   []RemoteConflict `json:"conflicts,omitempty"`
}

// PullRequest pages remote changes since lastSyncVersion.
type PullRequest struct {
	ClientID        string `json:"clientId"`
	LastSyncVersion int64  `json:"lastSyncVersion"`
	Limit           int    `json:"limit"`
}

// PullResponse carries one page of remote changes.
type PullResponse struct {
	Entities    []*entity.Entity `json:"entities"`
	SyncVersion int64            `json:"syncVersion"`
	HasMore     bool             `json:"hasMore"`
}

// Peer is the remote replication endpoint contract.
type Peer interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
}

// HTTPPeer talks JSON to a remote sync server.
type HTTPPeer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPeer creates a peer client for the given base URL.
func NewHTTPPeer(baseURL string, timeout time.Duration) *HTTPPeer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPeer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Push uploads pending entities to the peer.
func (p *HTTPPeer) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := p.post(ctx, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches one page of remote changes.
func (p *HTTPPeer) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := p.post(ctx, "/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *HTTPPeer) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peer error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
