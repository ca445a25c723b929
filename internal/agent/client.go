package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrLockHeld means another device holds the insertion lock.
	ErrLockHeld = errors.New("insertion lock held by another device")
	// ErrStale means the session expired underneath the operation.
	ErrStale = errors.New("session expired")
	// ErrNotFound means the portal does not know the session.
	ErrNotFound = errors.New("session not found")
)

// Snapshot is the portal's authoritative view of a session.
type Snapshot struct {
	ID               int64  `json:"id"`
	Status           string `json:"status"`
	BottlesInserted  int    `json:"bottles_inserted"`
	SecondsEarned    int    `json:"seconds_earned"`
	SessionStart     *int64 `json:"session_start"`
	SessionEnd       *int64 `json:"session_end"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	SecondsPerBottle int    `json:"seconds_per_bottle"`
}

// Client is the HTTP client for the portal API. It carries the device
// cookie across requests so the portal keeps recognizing this device.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
	}, nil
}

type apiError struct {
	Error  string `json:"error"`
	HeldBy string `json:"held_by"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		json.NewDecoder(resp.Body).Decode(&apiErr)
		switch resp.StatusCode {
		case http.StatusConflict:
			if apiErr.HeldBy != "" {
				return fmt.Errorf("%w (held by %s)", ErrLockHeld, apiErr.HeldBy)
			}
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		case http.StatusGone:
			return ErrStale
		case http.StatusNotFound:
			return ErrNotFound
		default:
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Lookup returns this device's ongoing session, creating one if needed.
func (c *Client) Lookup(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/session", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Get fetches the session, retrying transient failures with fibonacci
// backoff. Resyncs must eventually succeed or the caller degrades offline.
func (c *Client) Get(ctx context.Context, id int64) (*Snapshot, error) {
	var snap Snapshot
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/session/%d", id), nil, &snap)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Lock acquires the machine-wide insertion lock for this device.
func (c *Client) Lock(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/session/lock", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Unlock releases this device's insertion lock, if held.
func (c *Client) Unlock(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/unlock", nil, nil)
}

// Bottle reports one confirmed bottle.
func (c *Client) Bottle(ctx context.Context, id int64) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/session/%d/bottle", id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Commit finalizes the insertion episode. count is the client's optimistic
// total; pass a negative count to commit the server's confirmed count.
func (c *Client) Commit(ctx context.Context, id int64, count int) (*Snapshot, error) {
	var body any
	if count >= 0 {
		body = map[string]int{"count": count}
	}
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/session/%d/commit", id), body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Cancel abandons the insertion episode without posting a client count.
func (c *Client) Cancel(ctx context.Context, id int64) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/session/%d/cancel", id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// NotifyExpiry tells the portal the local countdown reached zero.
func (c *Client) NotifyExpiry(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/session/%d/notify-expiry", id), nil, nil)
}
