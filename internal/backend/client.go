// Package backend talks to the REST collaborator that serves the initial
// page-load data: the conversation snapshot and older history pages. The
// live event flow never goes through it.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

// Snapshot is the initial page-load state: who the user is, their
// contacts, and their conversations with recent messages.
type Snapshot struct {
	SelfID        string                `json:"self_id"`
	SelfName      string                `json:"self_name"`
	Contacts      []domain.Contact      `json:"contacts"`
	Conversations []domain.Conversation `json:"conversations"`
}

// Loader supplies initial and paged data. The session consumes it; tests
// substitute fakes.
type Loader interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	HistoryPage(ctx context.Context, key domain.ConversationKey, beforeID string, limit int) ([]domain.Message, error)
}

// Client is an HTTP implementation of Loader.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a backend client. token is sent as a bearer
// credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Snapshot calls GET /v1/snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, c.baseURL+"/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// HistoryPage calls GET /v1/conversations/:kind/:target/messages. The
// page holds up to limit messages older than beforeID, oldest first.
func (c *Client) HistoryPage(ctx context.Context, key domain.ConversationKey, beforeID string, limit int) ([]domain.Message, error) {
	u := fmt.Sprintf("%s/v1/conversations/%s/%s/messages",
		c.baseURL, url.PathEscape(string(key.Kind)), url.PathEscape(key.TargetID))
	q := url.Values{}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var page struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("backend error: %s", errResp.Error)
		}
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
