// Package hr extracts the organizational directory from Microsoft Graph.
// It pages all user objects with adaptive throttling, resolves manager
// relationships through the $batch endpoint (or a local managers file) and
// emits flat and nested JSON snapshots of the reporting structure.
//
// The HTTP layer uses dependency injection so tests can run against a mock
// transport without a live tenant.
package hr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
)

const (
	// GraphRoot is the production Microsoft Graph v1.0 endpoint.
	GraphRoot = "https://graph.microsoft.com/v1.0"
	// GraphScope is the OAuth2 scope requested for client-credential tokens.
	GraphScope = "https://graph.microsoft.com/.default"
)

// userSelectFields is the slim $select list requested for every user page.
var userSelectFields = []string{
	"id",
	"displayName",
	"userPrincipalName",
	"mailNickname",
	"mail",
	"jobTitle",
	"department",
}

// RequiredGraphRoles are the application roles the directory extraction
// needs. Tokens missing one of them usually produce empty user pages.
var RequiredGraphRoles = []string{"Directory.Read.All", "User.Read.All"}

// TokenSource supplies bearer tokens for the identity directory.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// NewClientSecretTokenSource authenticates against Azure AD with the client
// credentials flow. The returned source caches tokens internally and renews
// them before expiry.
//
// Parameters:
//   - tenantID: Azure Active Directory tenant ID
//   - clientID: registered application client ID
//   - clientSecret: application client secret
//
// Returns:
//   - TokenSource: source yielding Graph access tokens
//   - error: if the credential cannot be constructed
func NewClientSecretTokenSource(tenantID, clientID, clientSecret string) (TokenSource, error) {
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials: %w", err)
	}
	return &credentialTokenSource{cred: cred}, nil
}

type credentialTokenSource struct {
	cred azcore.TokenCredential
}

func (s *credentialTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{GraphScope}})
	if err != nil {
		return "", fmt.Errorf("failed to acquire token: %w", err)
	}
	return tok.Token, nil
}

// HTTPClient is an interface for making HTTP requests.
// This allows for easy mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a throttling-aware client for the identity directory. It retries
// throttled requests with exponential backoff, honors Retry-After hints and
// adapts its page size under sustained pressure.
//
// A Client is not safe for concurrent use; run one export per Client.
type Client struct {
	tokens     TokenSource
	httpClient HTTPClient
	limiter    *AdaptiveLimiter
	logger     *logrus.Logger

	// Injected for tests; real runs sleep and jitter normally.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewClient creates a directory client using the default HTTP client.
//
// Parameters:
//   - tokens: bearer token source
//   - pageSize: initial $top value for user paging; <= 0 uses the default
//   - logger: structured logger for progress and throttling warnings
//
// Returns:
//   - *Client: configured directory client
func NewClient(tokens TokenSource, pageSize int, logger *logrus.Logger) *Client {
	return NewClientWithHTTP(tokens, pageSize, http.DefaultClient, logger)
}

// NewClientWithHTTP creates a directory client with a custom HTTP client.
// This is primarily useful for testing with mock HTTP clients.
func NewClientWithHTTP(tokens TokenSource, pageSize int, httpClient HTTPClient, logger *logrus.Logger) *Client {
	return &Client{
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    NewAdaptiveLimiter(pageSize),
		logger:     logger,
		sleep:      sleepContext,
		randFloat:  rand.Float64,
	}
}

// ProbeOrganization performs a cheap read of the tenant organization object
// to verify credentials and connectivity before the expensive paging starts.
func (c *Client) ProbeOrganization(ctx context.Context) error {
	data, err := c.get(ctx, GraphRoot+"/organization?$select=id,displayName&$top=1")
	if err != nil {
		return err
	}
	var page struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(page.Value) > 0 {
		c.logger.Infof("Connected to tenant %q (%s)", page.Value[0].DisplayName, page.Value[0].ID)
	}
	return nil
}

// FetchAllUsers pages every user object in the directory, following
// @odata.nextLink until exhaustion and pausing between pages as dictated by
// the limiter.
//
// Parameters:
//   - ctx: cancellation context, checked between requests and retries
//   - filter: optional OData expression passed through as $filter
//
// Returns:
//   - []*User: all users in directory order
//   - error: if a page cannot be fetched after the retry budget
func (c *Client) FetchAllUsers(ctx context.Context, filter string) ([]*User, error) {
	next := fmt.Sprintf("%s/users?$select=%s&$top=%d",
		GraphRoot, strings.Join(userSelectFields, ","), c.limiter.PageSize())
	if filter != "" {
		next += "&$filter=" + url.QueryEscape(filter)
	}

	var users []*User
	for next != "" {
		data, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value    []*User `json:"value"`
			NextLink string  `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		users = append(users, page.Value...)
		next = page.NextLink
		c.logger.Infof("Fetched %d users so far (page_sleep=%s, top=%d)",
			len(users), c.limiter.PageSleep(), c.limiter.PageSize())
		if next != "" {
			if err := c.sleep(ctx, c.limiter.PageSleep()); err != nil {
				return nil, err
			}
		}
	}
	return users, nil
}

// managerLookup is one queued manager resolution with its remaining budget.
type managerLookup struct {
	userID       string
	attemptsLeft int
}

type batchRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

type batchItem struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// ResolveManagers looks up the manager of every given user id through the
// $batch endpoint, ten lookups per request. Throttled sub-responses are
// requeued with a decremented budget; users whose lookups keep failing end
// up with a null manager rather than aborting the run.
//
// Parameters:
//   - ctx: cancellation context
//   - userIDs: directory ids to resolve
//
// Returns:
//   - map[string]*string: child id to manager id; nil value means no manager
//   - error: if a batch request itself fails after the retry budget
func (c *Client) ResolveManagers(ctx context.Context, userIDs []string) (map[string]*string, error) {
	managers := make(map[string]*string, len(userIDs))
	queue := make([]managerLookup, 0, len(userIDs))
	for _, id := range userIDs {
		queue = append(queue, managerLookup{userID: id, attemptsLeft: maxAttempts})
	}

	for len(queue) > 0 {
		n := min(len(queue), batchLimit)
		chunk := queue[:n]
		queue = queue[n:]

		payload := struct {
			Requests []batchRequest `json:"requests"`
		}{Requests: make([]batchRequest, 0, len(chunk))}
		for i, lk := range chunk {
			payload.Requests = append(payload.Requests, batchRequest{
				ID:     strconv.Itoa(i + 1),
				Method: "GET",
				URL:    fmt.Sprintf("/users/%s/manager?$select=id,displayName", lk.userID),
			})
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal batch request: %w", err)
		}

		data, err := c.postJSON(ctx, GraphRoot+"/$batch", body)
		if err != nil {
			return nil, err
		}
		var batch struct {
			Responses []batchItem `json:"responses"`
		}
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}

		for _, item := range batch.Responses {
			idx, err := strconv.Atoi(item.ID)
			if err != nil || idx < 1 || idx > len(chunk) {
				continue
			}
			lk := chunk[idx-1]

			switch item.Status {
			case http.StatusOK:
				var mgr struct {
					ID string `json:"id"`
				}
				if json.Unmarshal(item.Body, &mgr) == nil && mgr.ID != "" {
					id := mgr.ID
					managers[lk.userID] = &id
				} else {
					c.logger.Errorf("Manager lookup for %s returned 200 without an id", lk.userID)
					managers[lk.userID] = nil
				}
			case http.StatusNotFound, http.StatusNoContent:
				managers[lk.userID] = nil
			case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				if nap := c.limiter.NoteServiceError(); nap > 0 {
					c.logger.Warnf("Heavy throttling; sleeping %s and reducing $top", nap)
					if err := c.sleep(ctx, nap); err != nil {
						return nil, err
					}
				}
				wait := itemRetryAfter(item.Headers)
				if wait < 0 {
					wait = time.Duration((1 + 2*c.randFloat()) * float64(time.Second))
				}
				if lk.attemptsLeft > 1 {
					if err := c.sleep(ctx, wait); err != nil {
						return nil, err
					}
					queue = append(queue, managerLookup{userID: lk.userID, attemptsLeft: lk.attemptsLeft - 1})
				} else {
					c.logger.Errorf("Manager lookup for %s exhausted retries", lk.userID)
					managers[lk.userID] = nil
				}
			default:
				c.logger.Errorf("Manager lookup for %s failed with status %d: %s",
					lk.userID, item.Status, compactBody(item.Body))
				managers[lk.userID] = nil
			}
		}

		if err := c.sleep(ctx, interBatchSleep); err != nil {
			return nil, err
		}
	}

	c.logger.Infof("Resolved managers: %d/%d", len(managers), len(userIDs))
	return managers, nil
}

// AssertRoles decodes the access token without verifying its signature and
// warns when the application roles required for the extraction are absent.
// It returns the missing roles; an undecodable token counts as missing all
// of them.
func AssertRoles(logger *logrus.Logger, token string) []string {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		logger.Warnf("Could not decode access token: %v", err)
		return append([]string(nil), RequiredGraphRoles...)
	}

	present := make(map[string]bool)
	if raw, ok := parsed.Get("roles"); ok {
		if list, ok := raw.([]any); ok {
			for _, entry := range list {
				if role, ok := entry.(string); ok {
					present[role] = true
				}
			}
		}
	}

	var missing []string
	for _, role := range RequiredGraphRoles {
		if !present[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		logger.Warnf("Access token missing app roles: %v", missing)
	}
	return missing
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, rawURL, payload)
}

// do runs one request through the retry envelope: up to maxAttempts tries,
// Retry-After honored when parseable, otherwise jittered exponential backoff
// capped at maxRetryDelay. Non-retryable statuses surface the server body.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	delay := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.doOnce(ctx, method, rawURL, payload)
		if err != nil {
			return nil, err
		}

		switch resp.status {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			c.limiter.NoteSuccess()
			return resp.body, nil

		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			if nap := c.limiter.NoteServiceError(); nap > 0 {
				c.logger.Warnf("Heavy throttling; sleeping %s and reducing $top", nap)
				if err := c.sleep(ctx, nap); err != nil {
					return nil, err
				}
			}
			wait := parseRetryAfter(resp.retryAfter)
			if wait < 0 {
				wait = delay + time.Duration(c.randFloat()*0.5*float64(delay))
			}
			delay = min(delay*2, maxRetryDelay)
			c.logger.Warnf("Throttled %d on %s (attempt %d/%d); retrying in %s",
				resp.status, stripQuery(rawURL), attempt, maxAttempts, wait.Round(10*time.Millisecond))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("API returned status %d: %s", resp.status, string(resp.body))
		}
	}
	return nil, fmt.Errorf("exceeded %d retry attempts for %s", maxAttempts, stripQuery(rawURL))
}

type graphResponse struct {
	status     int
	retryAfter string
	body       []byte
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, payload []byte) (*graphResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &graphResponse{
		status:     res.StatusCode,
		retryAfter: res.Header.Get("Retry-After"),
		body:       body,
	}, nil
}

// sleepContext pauses for d unless the context ends first. Non-positive
// durations only check the context.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter interprets a Retry-After header as seconds. Negative
// return means absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return -1
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || secs < 0 {
		return -1
	}
	return time.Duration(secs * float64(time.Second))
}

// itemRetryAfter finds the Retry-After header of a batch sub-response,
// whose header names arrive with arbitrary casing.
func itemRetryAfter(headers map[string]string) time.Duration {
	for k, v := range headers {
		if strings.EqualFold(k, "Retry-After") {
			return parseRetryAfter(v)
		}
	}
	return -1
}

func stripQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// compactBody flattens a response body for log output.
func compactBody(body json.RawMessage) string {
	s := strings.ReplaceAll(string(body), "\n", " ")
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
