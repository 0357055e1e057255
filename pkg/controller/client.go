// Package controller is the HTTP client for the network controller's
// router API.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/routerd/pkg/router"
)

const requestTimeout = 30 * time.Second

// Client fetches router state from the controller. Transient failures
// (connection errors, 5xx answers) are retried with exponential backoff;
// 4xx answers are not.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *zap.SugaredLogger
}

// New builds a client for the controller at baseURL.
func New(baseURL string, log *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing controller url %q: %w", baseURL, err)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.Named("controller"),
	}, nil
}

// GetRouters fetches router descriptors, scoped to a single router when
// routerID is non-empty. fullsync tells the controller the agent is
// rebuilding from scratch. Descriptors are validated before they are
// handed to the caller.
func (c *Client) GetRouters(ctx context.Context, fullsync bool, routerID string) ([]router.Router, error) {
	q := url.Values{}
	if fullsync {
		q.Set("fullsync", "true")
	}
	if routerID != "" {
		q.Set("id", routerID)
	}

	var routers []router.Router
	if err := c.getJSON(ctx, "/v2.0/routers", q, &routers); err != nil {
		return nil, err
	}
	for _, r := range routers {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("controller sent invalid router descriptor: %w", err)
		}
	}
	return routers, nil
}

// GetExternalNetworkID asks the controller for the id of the single
// external network. When more than one exists the controller answers 409,
// surfaced here as router.ErrTooManyExternalNetworks; picking one is the
// operator's job, so that answer is never retried.
func (c *Client) GetExternalNetworkID(ctx context.Context) (string, error) {
	var out struct {
		NetworkID string `json:"networkId"`
	}
	err := c.getJSON(ctx, "/v2.0/external-network", nil, &out)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusConflict {
			return "", router.ErrTooManyExternalNetworks
		}
		return "", err
	}
	return out.NetworkID, nil
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.status, e.body)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			apiErr := &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}
