// Package release resolves the latest published release of a GitHub
// project, used to pin {version} in binary-download URL templates.
package release

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// cacheTTL bounds how long a resolved tag is reused. Releases move
// slowly; this mostly spares the rate limit.
const cacheTTL = 15 * time.Minute

type cachedTag struct {
	tag string
	at  time.Time
}

// Client resolves release tags with a small in-memory cache.
type Client struct {
	gh     *github.Client
	logger log.Logger
	clock  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedTag
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.gh = github.NewClient(hc) }
}

// WithBaseURL points the client at a different API endpoint (tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		client, err := c.gh.WithEnterpriseURLs(u, u)
		if err == nil {
			c.gh = client
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) ClientOption {
	return func(c *Client) { c.clock = f }
}

// NewClient builds a Client. A GITHUB_TOKEN in the environment raises
// the unauthenticated rate limit; everything works without one.
func NewClient(opts ...ClientOption) *Client {
	var hc *http.Client
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		hc = oauth2.NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	c := &Client{
		gh:     github.NewClient(hc),
		logger: log.Default(),
		clock:  time.Now,
		cache:  make(map[string]cachedTag),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LatestVersion returns the tag name of the project's latest release.
// ownerRepo is "owner/name".
func (c *Client) LatestVersion(ctx context.Context, ownerRepo string) (string, error) {
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("invalid github repo %q, want owner/name", ownerRepo)
	}

	c.mu.Lock()
	if hit, ok := c.cache[ownerRepo]; ok && c.clock().Sub(hit.at) < cacheTTL {
		c.mu.Unlock()
		return hit.tag, nil
	}
	c.mu.Unlock()

	rel, _, err := c.gh.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest release of %s: %w", ownerRepo, err)
	}
	tag := rel.GetTagName()
	if tag == "" {
		return "", fmt.Errorf("latest release of %s has no tag", ownerRepo)
	}

	c.mu.Lock()
	c.cache[ownerRepo] = cachedTag{tag: tag, at: c.clock()}
	c.mu.Unlock()

	c.logger.Debug("resolved latest release", "repo", ownerRepo, "tag", tag)
	return tag, nil
}
