// Package remotecal talks to the destination calendar's REST API. It is the
// only package that knows the wire shape of events; everything above it works
// with the neutral item types.
package remotecal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

// AccessTokenProvider yields a bearer token for one request. Implementations
// are expected to cache and refresh internally.
type AccessTokenProvider func(ctx context.Context) (string, error)

// HTTPError is a non-retryable API failure with the service's error envelope
// attached.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("calendar api: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("calendar api: status=%d message=%s", e.Status, e.Message)
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Client implements calsync.DestinationStore over HTTP.
type Client struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// Me returns the signed-in account's principal name. The daemon uses it as
// a startup credentials probe.
func (c *Client) Me(ctx context.Context) (string, error) {
	var me struct {
		UserPrincipalName string `json:"userPrincipalName"`
		Mail              string `json:"mail"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return "", err
	}
	if me.UserPrincipalName != "" {
		return me.UserPrincipalName, nil
	}
	return me.Mail, nil
}

// Calendar is one entry from the account's calendar list.
type Calendar struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListCalendars enumerates the account's calendars so a user can pick the
// destination calendar id.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var calendars []Calendar
	next := c.baseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value    []Calendar `json:"value"`
			NextLink string     `json:"@odata.nextLink"`
		}
		if err := c.doJSONURL(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		calendars = append(calendars, page.Value...)
		next = page.NextLink
	}
	return calendars, nil
}

func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]calsync.DestinationItem, error) {
	path := fmt.Sprintf("/me/calendars/%s/events?$top=100", url.PathEscape(calendarID))
	return c.drainEvents(ctx, path)
}

func (c *Client) GetEvent(ctx context.Context, id string) (*calsync.DestinationItem, error) {
	var event wireEvent
	if err := c.doJSON(ctx, http.MethodGet, "/me/events/"+url.PathEscape(id), nil, &event); err != nil {
		return nil, err
	}
	item, err := event.toItem()
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Client) AddEvent(ctx context.Context, calendarID string, item *calsync.DestinationItem) error {
	path := "/me/calendars/" + url.PathEscape(calendarID) + "/events"
	var created wireEvent
	if err := c.doJSON(ctx, http.MethodPost, path, eventFromItem(item), &created); err != nil {
		return err
	}
	item.ID = created.ID
	return nil
}

func (c *Client) UpdateEvent(ctx context.Context, item *calsync.DestinationItem) error {
	if item.ID == "" {
		return fmt.Errorf("update without an event id")
	}
	return c.doJSON(ctx, http.MethodPatch, "/me/events/"+url.PathEscape(item.ID), eventFromItem(item), nil)
}

// DeleteEvent is idempotent: deleting an event that is already gone
// succeeds.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/me/events/"+url.PathEscape(id), nil, nil)
	if err != nil && isNotFoundErr(err) {
		return nil
	}
	return err
}

func (c *Client) Instances(ctx context.Context, seriesID string, from, to time.Time) ([]calsync.DestinationItem, error) {
	path := fmt.Sprintf("/me/events/%s/instances?startDateTime=%s&endDateTime=%s&$top=100",
		url.PathEscape(seriesID),
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)))
	return c.drainEvents(ctx, path)
}

// drainEvents follows nextLink pagination until the listing is complete so
// callers always see a whole snapshot.
func (c *Client) drainEvents(ctx context.Context, path string) ([]calsync.DestinationItem, error) {
	var items []calsync.DestinationItem
	next := c.baseURL + path
	for next != "" {
		var page struct {
			Value    []wireEvent `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := c.doJSONURL(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			item, err := page.Value[i].toItem()
			if err != nil {
				return nil, err
			}
			items = append(items, *item)
		}
		next = page.NextLink
	}
	return items, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	return c.doJSONURL(ctx, method, c.baseURL+path, payload, out)
}

func (c *Client) doJSONURL(ctx context.Context, method, requestURL string, payload, out any) error {
	if c.tokenProvider == nil {
		return fmt.Errorf("token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return calsync.ErrNotAuthenticated
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return calsync.ErrNotFound
		case http.StatusUnauthorized:
			return calsync.ErrNotAuthenticated
		}

		httpErr := &HTTPError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Error.Code != "" {
				httpErr.Code = parsed.Error.Code
			}
			if strings.TrimSpace(parsed.Error.Message) != "" {
				httpErr.Message = parsed.Error.Message
			}
		}
		return httpErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, calsync.ErrNotFound)
}
