package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/pkg/config"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	githubPageSize        = 100
	githubMaxRetries      = 3
	githubMaxRateRetries  = 5
	githubRetryBackoff    = time.Second
	defaultAbuseRetryWait = time.Minute

	defaultGitHubCallTimeout = 30 * time.Second
)

// GitHubClient wraps go-github with per-call timeouts, retries and rate-limit bookkeeping
type GitHubClient struct {
	client        *github.Client
	limiter       *RateLimiter
	callTimeout   time.Duration
	backoff       time.Duration
	authenticated bool
}

// GitHubClientFactory hands out one client per token so runs sharing a token share its budget
type GitHubClientFactory struct {
	cfg     config.GitHubConfig
	baseURL *url.URL

	mu      sync.Mutex
	clients map[string]*GitHubClient
}

// NewGitHubClientFactory creates a factory; cfg.APIURL overrides the public API endpoint
func NewGitHubClientFactory(cfg config.GitHubConfig) (*GitHubClientFactory, error) {
	f := &GitHubClientFactory{cfg: cfg, clients: make(map[string]*GitHubClient)}
	if cfg.APIURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.APIURL, err)
		}
		f.baseURL = u
	}
	return f, nil
}

// Default returns the client for the configured token
func (f *GitHubClientFactory) Default() *GitHubClient {
	return f.ForToken("")
}

// ForToken returns the client for token, falling back to the configured token when empty
func (f *GitHubClientFactory) ForToken(token string) *GitHubClient {
	token = strings.TrimSpace(token)
	if token == "" {
		token = f.cfg.Token
	}
	key := tokenKey(token)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}

	c := f.newClient(token)
	f.clients[key] = c
	return c
}

func (f *GitHubClientFactory) newClient(token string) *GitHubClient {
	timeout := f.cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultGitHubCallTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = timeout
	}

	gh := github.NewClient(httpClient)
	if f.baseURL != nil {
		gh.BaseURL = f.baseURL
	}

	return &GitHubClient{
		client:        gh,
		limiter:       NewRateLimiter(token != "", f.cfg.RequestsPerSecond, f.cfg.MaxRateLimitWait),
		callTimeout:   timeout,
		backoff:       githubRetryBackoff,
		authenticated: token != "",
	}
}

func tokenKey(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Authenticated reports whether calls carry a token
func (c *GitHubClient) Authenticated() bool {
	return c.authenticated
}

// Limiter exposes the client's budget tracker
func (c *GitHubClient) Limiter() *RateLimiter {
	return c.limiter
}

// GetRepository resolves owner/name to the canonical full name
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (string, error) {
	var repo *github.Repository
	err := c.call(ctx, "get repository", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		repo, resp, err = c.client.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if full := repo.GetFullName(); full != "" {
		return full, nil
	}
	return owner + "/" + name, nil
}

// ListContributors fetches one page of contributors, anonymous ones included
func (c *GitHubClient) ListContributors(ctx context.Context, owner, name string, page int) ([]*github.Contributor, int, error) {
	opts := &github.ListContributorsOptions{
		Anon:        "1",
		ListOptions: github.ListOptions{Page: page, PerPage: githubPageSize},
	}

	var (
		contributors []*github.Contributor
		next         int
	)
	err := c.call(ctx, "list contributors", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		contributors, resp, err = c.client.Repositories.ListContributors(ctx, owner, name, opts)
		if resp != nil {
			next = resp.NextPage
		}
		return resp, err
	})
	return contributors, next, err
}

// ListCommits fetches one page of commit history
func (c *GitHubClient) ListCommits(ctx context.Context, owner, name string, page, perPage int) ([]*github.RepositoryCommit, int, error) {
	if perPage <= 0 || perPage > githubPageSize {
		perPage = githubPageSize
	}
	opts := &github.CommitsListOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}

	var (
		commits []*github.RepositoryCommit
		next    int
	)
	err := c.call(ctx, "list commits", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		commits, resp, err = c.client.Repositories.ListCommits(ctx, owner, name, opts)
		if resp != nil {
			next = resp.NextPage
		}
		return resp, err
	})
	// An empty repository answers 409 Conflict
	if isGitHubStatus(err, http.StatusConflict) {
		return nil, 0, nil
	}
	return commits, next, err
}

// GetUser fetches a public profile
func (c *GitHubClient) GetUser(ctx context.Context, login string) (*github.User, error) {
	var user *github.User
	err := c.call(ctx, "get user", func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		user, resp, err = c.client.Users.Get(ctx, login)
		return resp, err
	})
	return user, err
}

// RefreshRateLimit asks GitHub for the current core budget; it does not consume budget
func (c *GitHubClient) RefreshRateLimit(ctx context.Context) (RateLimitStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	limits, _, err := c.client.RateLimit.Get(callCtx)
	if err != nil {
		return c.limiter.Status(), classifyGitHubError("get rate limit", err)
	}
	if core := limits.GetCore(); core != nil {
		c.limiter.Observe(core.Limit, core.Remaining, core.Reset.Time)
	}
	return c.limiter.Status(), nil
}

// call runs fn under the rate limiter, retrying rate-limited calls and transient faults
func (c *GitHubClient) call(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	log := logger.WithField("operation", op)
	attempts, rateRetries := 0, 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		resp, err := fn(callCtx)
		cancel()

		if resp != nil && resp.Rate.Limit > 0 {
			c.limiter.Observe(resp.Rate.Limit, resp.Rate.Remaining, resp.Rate.Reset.Time)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var (
			rateErr  *github.RateLimitError
			abuseErr *github.AbuseRateLimitError
		)
		switch {
		case errors.As(err, &rateErr):
			rateRetries++
			if rateRetries > githubMaxRateRetries {
				return models.NewPipelineError(models.ErrorKindRateLimitExhausted, "GitHub rate limit keeps rejecting "+op, err)
			}
			c.limiter.Exhaust(rateErr.Rate.Reset.Time)
			log.WithField("reset", rateErr.Rate.Reset.Time).Warn("GitHub rate limit response, waiting for reset")
			continue

		case errors.As(err, &abuseErr):
			rateRetries++
			if rateRetries > githubMaxRateRetries {
				return models.NewPipelineError(models.ErrorKindRateLimitExhausted, "GitHub secondary rate limit keeps rejecting "+op, err)
			}
			wait := abuseErr.GetRetryAfter()
			if wait <= 0 {
				wait = defaultAbuseRetryWait
			}
			c.limiter.Exhaust(time.Now().Add(wait))
			log.WithField("retry_after", wait.String()).Warn("GitHub secondary rate limit, backing off")
			continue
		}

		classified := classifyGitHubError(op, err)
		if !isRetryable(classified, resp, err) {
			return classified
		}

		attempts++
		if attempts > githubMaxRetries {
			return classified
		}
		delay := c.backoff * time.Duration(1<<(attempts-1))
		log.WithFields(logrus.Fields{"attempt": attempts, "delay": delay.String()}).WithError(err).Warn("Retrying GitHub call")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func classifyGitHubError(op string, err error) error {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		switch status := errResp.Response.StatusCode; {
		case status == http.StatusNotFound:
			return models.NewPipelineError(models.ErrorKindRepositoryNotFound, "repository not found or not accessible", err)
		case status >= 500 || status == http.StatusTooManyRequests:
			return models.NewPipelineError(models.ErrorKindUpstreamUnavailable,
				fmt.Sprintf("GitHub %s failed with status %d", op, status), err)
		default:
			return models.NewPipelineError(models.ErrorKindUpstreamUnavailable,
				fmt.Sprintf("GitHub rejected %s: %s", op, errResp.Message), err)
		}
	}
	return models.NewPipelineError(models.ErrorKindUpstreamUnavailable, "GitHub "+op+" failed", err)
}

// isGitHubStatus reports whether err carries an HTTP response with the given status
func isGitHubStatus(err error, status int) bool {
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == status
}

func isRetryable(classified error, resp *github.Response, err error) bool {
	if models.IsKind(classified, models.ErrorKindRepositoryNotFound) {
		return false
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		return status >= 500 || status == http.StatusTooManyRequests
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 500 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
