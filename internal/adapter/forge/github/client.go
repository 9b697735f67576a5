// Package github implements the forge port against the GitHub REST API v3.
//
// The client is deliberately hand-rolled: the worker touches a dozen
// endpoints, and owning the request path keeps retry classification, label
// idempotency and App token minting in one place.
package github

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"log/slog"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

const (
	acceptHeader = "application/vnd.github+json"
	apiVersion   = "2022-11-28"

	perPage        = 100
	maxBodySnippet = 512
)

// Client talks to the GitHub REST API and converts wire shapes to domain
// values. Construct with New, or NewWithClient in tests.
type Client struct {
	base string
	hc   *http.Client
	auth TokenSource

	newBackOff func() backoff.BackOff
}

// New builds a client from configuration. App credentials win over a
// personal access token when both are present.
func New(cfg config.Config) (*Client, error) {
	var ts TokenSource
	if cfg.AppAuthConfigured() {
		ats, err := NewAppTokenSource(cfg.GHAppID, cfg.GHInstallationID, cfg.GHPrivateKeyPath, cfg.GitHubAPIBaseURL)
		if err != nil {
			return nil, err
		}
		ts = ats
	} else {
		ts = StaticTokenSource(cfg.GitHubToken)
	}
	hc := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return NewWithClient(cfg.GitHubAPIBaseURL, ts, hc), nil
}

// NewWithClient wires an explicit HTTP client and token source.
func NewWithClient(baseURL string, auth TokenSource, hc *http.Client) *Client {
	return &Client{
		base:       trimBase(baseURL),
		hc:         hc,
		auth:       auth,
		newBackOff: defaultBackOff,
	}
}

func trimBase(u string) string { return strings.TrimSuffix(u, "/") }

// defaultBackOff mirrors the job-level retry curve: exponential from two
// seconds, three attempts in total.
func defaultBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(expo, 2)
}

// request describes one REST call: where to go, what to send, and which
// status codes count as success.
type request struct {
	method string
	// path is joined onto the API base, unless it is already absolute
	// (pagination follows Link URLs verbatim).
	path      string
	query     url.Values
	body      any
	exitCodes []int
	out       any
}

// execute runs a request under the retry policy. Transport errors and
// throttling or server statuses are retried; everything else fails fast.
func (c *Client) execute(ctx domain.Context, operation string, r request) (int, http.Header, error) {
	var payload []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, fmt.Errorf("op=forge.%s: encode request: %w", operation, err)
		}
		payload = b
	}
	var (
		code   int
		header http.Header
		raw    []byte
	)
	op := func() error {
		start := time.Now()
		st, hdr, body, err := c.attempt(ctx, r, payload)
		code, header, raw = st, hdr, body
		observability.ObserveForgeRequest(operation, outcomeLabel(st, err), time.Since(start))
		if err == nil {
			return nil
		}
		if retryable(st, err) {
			slog.Warn("forge request retrying",
				slog.String("operation", operation),
				slog.Int("status", st),
				slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(c.newBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return code, header, fmt.Errorf("op=forge.%s: %w", operation, err)
	}
	if r.out != nil && len(raw) > 0 && code != http.StatusNoContent {
		if err := json.Unmarshal(raw, r.out); err != nil {
			return code, header, fmt.Errorf("op=forge.%s: decode response: %w", operation, err)
		}
	}
	return code, header, nil
}

// attempt performs a single HTTP exchange. A zero status means the request
// never produced a response.
func (c *Client) attempt(ctx domain.Context, r request, payload []byte) (int, http.Header, []byte, error) {
	tok, err := c.auth.Token(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	u := r.path
	if !strings.HasPrefix(u, "http") {
		u = c.base + r.path
		if len(r.query) > 0 {
			u += "?" + r.query.Encode()
		}
	}
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, rd)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: build request: %v", domain.ErrInvalidArgument, err)
	}
	req.Close = true
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, err
	}
	for _, ok := range r.exitCodes {
		if resp.StatusCode == ok {
			return resp.StatusCode, resp.Header, body, nil
		}
	}
	return resp.StatusCode, resp.Header, body, apiError(resp.StatusCode, body)
}

func retryable(status int, err error) bool {
	if errors.Is(err, domain.ErrAuth) || errors.Is(err, domain.ErrInvalidArgument) {
		return false
	}
	if status == 0 {
		// Transport error: no response reached us.
		return true
	}
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return domain.RetryableMessage(err.Error())
}

func outcomeLabel(status int, err error) string {
	if status == 0 && err != nil {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

// APIError is a GitHub response outside the request's accepted statuses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github api status %d", e.StatusCode)
	}
	return fmt.Sprintf("github api status %d: %s", e.StatusCode, e.Message)
}

// apiError builds an APIError from a response body and threads the matching
// domain sentinel so callers can branch with errors.Is.
func apiError(status int, body []byte) error {
	var ghErr struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	_ = json.Unmarshal(body, &ghErr)
	msg := ghErr.Message
	for _, e := range ghErr.Errors {
		if e.Message != "" {
			msg += "; " + e.Message
		}
	}
	if msg == "" && len(body) > 0 {
		msg = string(body)
		if len(msg) > maxBodySnippet {
			msg = msg[:maxBodySnippet]
		}
	}
	apiErr := &APIError{StatusCode: status, Message: msg}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", domain.ErrAuth, apiErr)
	case http.StatusForbidden:
		// 403 also covers secondary rate limits; those re-enter the
		// retry path via the message check in retryable.
		if domain.RetryableMessage(msg) {
			return fmt.Errorf("%w: %w", domain.ErrRateLimited, apiErr)
		}
		return fmt.Errorf("%w: %w", domain.ErrAuth, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, apiErr)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", domain.ErrConflict, apiErr)
	}
	return apiErr
}

// parseLinks parses an RFC 5988 Link header into rel → target URL.
func parseLinks(h string) map[string]string {
	links := map[string]string{}
	for _, part := range strings.Split(h, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, attr := range fields[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(attr), "=")
			if !ok || k != "rel" {
				continue
			}
			links[strings.Trim(v, `"`)] = target
		}
	}
	return links
}

// listPages GETs path and every rel="next" page after it, handing each raw
// page body to collect.
func (c *Client) listPages(ctx domain.Context, operation, path string, q url.Values, collect func([]byte) error) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("per_page", strconv.Itoa(perPage))
	next := c.base + path + "?" + q.Encode()
	for next != "" {
		var raw json.RawMessage
		_, header, err := c.execute(ctx, operation, request{
			method:    http.MethodGet,
			path:      next,
			exitCodes: []int{http.StatusOK},
			out:       &raw,
		})
		if err != nil {
			return err
		}
		if err := collect(raw); err != nil {
			return err
		}
		next = parseLinks(header.Get("Link"))["next"]
	}
	return nil
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx domain.Context, owner, repo string, number int) (domain.Issue, error) {
	var out ghIssue
	_, _, err := c.execute(ctx, "get_issue", request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number),
		exitCodes: []int{http.StatusOK},
		out:       &out,
	})
	if err != nil {
		return domain.Issue{}, err
	}
	return out.toDomain(), nil
}

// ListIssueComments returns every comment on an issue, oldest first.
func (c *Client) ListIssueComments(ctx domain.Context, owner, repo string, number int) ([]domain.Comment, error) {
	var comments []domain.Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	err := c.listPages(ctx, "list_comments", path, nil, func(page []byte) error {
		var batch []ghComment
		if err := json.Unmarshal(page, &batch); err != nil {
			return fmt.Errorf("op=forge.list_comments: decode page: %w", err)
		}
		for _, gc := range batch {
			comments = append(comments, gc.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// AddLabels attaches labels to an issue. Labels already present are not an
// error; GitHub answers 200 either way.
func (c *Client) AddLabels(ctx domain.Context, owner, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, _, err := c.execute(ctx, "add_labels", request{
		method:    http.MethodPost,
		path:      fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number),
		body:      map[string][]string{"labels": labels},
		exitCodes: []int{http.StatusOK},
	})
	return err
}

// RemoveLabel detaches a label from an issue. An absent label is success,
// and GitHub has been seen answering 200 where 204 is documented.
func (c *Client) RemoveLabel(ctx domain.Context, owner, repo string, number int, label string) error {
	_, _, err := c.execute(ctx, "remove_label", request{
		method:    http.MethodDelete,
		path:      fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, url.PathEscape(label)),
		exitCodes: []int{http.StatusOK, http.StatusNoContent, http.StatusNotFound},
	})
	return err
}

// CreatePR opens a pull request. A 422 surfaces as domain.ErrConflict;
// callers adopt the existing PR through ListPRsByHead.
func (c *Client) CreatePR(ctx domain.Context, owner, repo string, in domain.CreatePRInput) (domain.PullRequest, error) {
	var out ghPullRequest
	_, _, err := c.execute(ctx, "create_pr", request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/repos/%s/%s/pulls", owner, repo),
		body: map[string]any{
			"title": in.Title,
			"head":  in.Head,
			"base":  in.Base,
			"body":  in.Body,
			"draft": in.Draft,
		},
		exitCodes: []int{http.StatusCreated},
		out:       &out,
	})
	if err != nil {
		return domain.PullRequest{}, err
	}
	return out.toDomain(), nil
}

// ListPRsByHead returns open pull requests whose head is the given branch.
// A bare branch name is qualified with the owner, as the API requires.
func (c *Client) ListPRsByHead(ctx domain.Context, owner, repo, head string) ([]domain.PullRequest, error) {
	if !strings.Contains(head, ":") {
		head = owner + ":" + head
	}
	q := url.Values{"head": {head}, "state": {"open"}}
	var prs []domain.PullRequest
	err := c.listPages(ctx, "list_prs", fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), q, func(page []byte) error {
		var batch []ghPullRequest
		if err := json.Unmarshal(page, &batch); err != nil {
			return fmt.Errorf("op=forge.list_prs: decode page: %w", err)
		}
		for _, pr := range batch {
			prs = append(prs, pr.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prs, nil
}

// AddIssueComment posts a comment and returns it, ID included, so callers
// can delete it later.
func (c *Client) AddIssueComment(ctx domain.Context, owner, repo string, number int, body string) (domain.Comment, error) {
	var out ghComment
	_, _, err := c.execute(ctx, "add_comment", request{
		method:    http.MethodPost,
		path:      fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number),
		body:      map[string]string{"body": body},
		exitCodes: []int{http.StatusCreated},
		out:       &out,
	})
	if err != nil {
		return domain.Comment{}, err
	}
	return out.toDomain(), nil
}

// DeleteIssueComment removes a comment. A comment already gone is success.
func (c *Client) DeleteIssueComment(ctx domain.Context, owner, repo string, commentID int64) error {
	_, _, err := c.execute(ctx, "delete_comment", request{
		method:    http.MethodDelete,
		path:      fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID),
		exitCodes: []int{http.StatusNoContent, http.StatusNotFound},
	})
	return err
}

// GetRepository fetches repository metadata, default branch included.
func (c *Client) GetRepository(ctx domain.Context, owner, repo string) (domain.Repository, error) {
	var out ghRepository
	_, _, err := c.execute(ctx, "get_repo", request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("/repos/%s/%s", owner, repo),
		exitCodes: []int{http.StatusOK},
		out:       &out,
	})
	if err != nil {
		return domain.Repository{}, err
	}
	return out.toDomain(), nil
}

// InstallationToken returns the token that authenticates git transport URLs.
// With a personal access token source this is the token itself.
func (c *Client) InstallationToken(ctx domain.Context) (string, error) {
	tok, err := c.auth.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("op=forge.installation_token: %w", err)
	}
	return tok, nil
}
