package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tdnguyen/datekeeper/internal/model"
)

// ProcessedEvent is the authority's acknowledgment of one accepted record.
type ProcessedEvent struct {
	LocalID  string `json:"localId"`
	ServerID string `json:"serverId"`
}

// Conflict pairs the client and server versions of a record the authority
// refused to merge.
type Conflict struct {
	Client *model.Event
	Server *model.Event
}

// SyncRequest is the dirty batch sent in one exchange.
type SyncRequest struct {
	Events          []*model.Event
	LastSyncVersion int64
}

// SyncResponse is the authority's reply to a batch exchange, already
// converted off the wire.
type SyncResponse struct {
	Processed       []ProcessedEvent
	ServerChanges   []*model.Event
	Conflicts       []Conflict
	LastSyncVersion int64
}

// Client talks to the remote authority over HTTP with bearer-token auth.
// Create one with [NewClient].
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the authority at baseURL.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Online probes the authority with a single GET /ping. It is the
// connectivity check the sync engine runs before collecting a batch, so it
// deliberately does not retry: an unreachable authority should skip the
// attempt quickly.
func (c *Client) Online(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Debug("authority unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 300
}

// Sync sends the dirty batch and the client's cursor in one POST /sync
// exchange and returns the authority's three-way reply.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	body := syncRequestBody{
		Events:          eventsToWire(req.Events),
		LastSyncVersion: req.LastSyncVersion,
	}

	var wire syncResponseBody
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.post(ctx, "/sync", body, &wire)
	})
	if err != nil {
		return nil, fmt.Errorf("sync exchange: %w", err)
	}

	changes, err := wireToEvents(wire.ServerChanges)
	if err != nil {
		return nil, fmt.Errorf("sync exchange: %w", err)
	}

	resp := &SyncResponse{
		Processed:       wire.ProcessedEvents,
		ServerChanges:   changes,
		LastSyncVersion: wire.LastSyncVersion,
	}
	for _, wc := range wire.Conflicts {
		client, convErr := wireToEvent(wc.ClientEvent)
		if convErr != nil {
			return nil, fmt.Errorf("sync exchange: %w", convErr)
		}
		server, convErr := wireToEvent(wc.ServerEvent)
		if convErr != nil {
			return nil, fmt.Errorf("sync exchange: %w", convErr)
		}
		resp.Conflicts = append(resp.Conflicts, Conflict{Client: client, Server: server})
	}
	return resp, nil
}

// ForceUpdate overwrites the authority's copy of one record, used when a
// conflict is resolved in favor of the local version.
func (c *Client) ForceUpdate(ctx context.Context, ev *model.Event) error {
	body := forceUpdateBody{Event: eventToWire(ev)}
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.post(ctx, "/events/force-update", body, nil)
	})
	if err != nil {
		return fmt.Errorf("force-update %s: %w", ev.ID, err)
	}
	return nil
}

// post issues one JSON POST and decodes the response into out when out is
// non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		if br.Message == "" {
			br.Message = "authority rejected the request"
		}
		return errors.New(br.Message)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("authority returned 401 Unauthorized (check api_token)")
	case resp.StatusCode >= 300:
		return fmt.Errorf("authority returned unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
