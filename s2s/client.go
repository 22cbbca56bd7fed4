// Package s2s talks to the account service that owns player identities.
package s2s

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"versus/server/store"
)

// DirectoryClient resolves display names through GET {base}/api/accounts/resolve.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

var _ store.Directory = (*DirectoryClient)(nil)

func NewDirectoryClient(baseURL string, timeout time.Duration, log *zap.Logger) *DirectoryClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type resolveResponse struct {
	ID string `json:"id"`
}

func (c *DirectoryClient) Resolve(ctx context.Context, displayName string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/accounts/resolve?username=%s", c.baseURL, url.QueryEscape(displayName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", eris.Wrap(err, "build resolve request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("[S2S] directory unreachable", zap.String("url", endpoint), zap.Error(err))
		return "", eris.Wrapf(err, "resolve %q", displayName)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", eris.Wrapf(store.ErrAccountNotFound, "username %q", displayName)
	default:
		return "", eris.Errorf("resolve %q: unexpected status %d", displayName, resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", eris.Wrap(err, "decode resolve response")
	}
	if body.ID == "" {
		return "", eris.Errorf("resolve %q: empty account id", displayName)
	}
	return body.ID, nil
}
