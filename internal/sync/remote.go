// Package sync drains the durable mutation queue against the remote
// authority.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// PushRequest is one entity write delivered to the remote authority.
type PushRequest struct {
	Action     string
	EntityType string
	EntityID   string
	Payload    json.RawMessage

	// IdempotencyKey is stable across retries of the same queue item so
	// the remote side can deduplicate replays after a crash between
	// remote-accept and local-complete.
	IdempotencyKey string
}

// PushResponse carries the remote outcome of a successful or conflicting
// push.
type PushResponse struct {
	// Version is the remote-assigned entity version after an accepted
	// write.
	Version int

	// RemoteTask is populated on a version conflict with the remote's
	// current copy, for the conflict resolver.
	RemoteTask *models.Task
}

// RemoteClient accepts one entity write per call. Implementations must
// classify failures with the errors package codes so the executor can
// distinguish conflicts from retryable failures.
type RemoteClient interface {
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)
}

// ObjectStore holds photo binaries. Implemented over MinIO in the s3
// subpackage.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// APIClient implements RemoteClient over the FieldSync HTTP API.
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewAPIClient creates an APIClient for the given base URL.
func NewAPIClient(baseURL, authToken string) *APIClient {
	return &APIClient{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Push delivers one write. Error classification:
//   - transport failure or remote 5xx: SYNC_TRANSIENT
//   - 409: SYNC_CONFLICT, with the remote copy decoded into the response
//   - other 4xx: SYNC_REJECTED
func (c *APIClient) Push(ctx context.Context, pr *PushRequest) (*PushResponse, error) {
	method, url := c.route(pr)

	var body io.Reader
	if pr.Action != models.ActionDelete {
		body = bytes.NewReader(pr.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", pr.IdempotencyKey)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "push request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := &PushResponse{}
		var accepted struct {
			Version int `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&accepted); err == nil {
			out.Version = accepted.Version
		}
		return out, nil

	case resp.StatusCode == http.StatusConflict:
		out := &PushResponse{}
		var remote models.Task
		if err := json.NewDecoder(resp.Body).Decode(&remote); err == nil && remote.ID != "" {
			out.RemoteTask = &remote
		}
		return out, errors.New(errors.ErrSyncConflict,
			fmt.Sprintf("remote reports divergent version for %s %s", pr.EntityType, pr.EntityID))

	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrSyncTransient,
			fmt.Sprintf("remote error %d: %s", resp.StatusCode, string(msg)))

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrSyncRejected,
			fmt.Sprintf("remote rejected write with %d: %s", resp.StatusCode, string(msg)))
	}
}

func (c *APIClient) route(pr *PushRequest) (method, url string) {
	collection := c.baseURL + "/api/v1/" + pr.EntityType + "s"
	switch pr.Action {
	case models.ActionCreate:
		return http.MethodPost, collection
	case models.ActionUpdate:
		return http.MethodPut, collection + "/" + pr.EntityID
	case models.ActionDelete:
		return http.MethodDelete, collection + "/" + pr.EntityID
	default:
		return http.MethodPost, collection
	}
}
