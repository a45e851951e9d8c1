package kommo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crm-platform/pkg/logger"
)

// PageSize is the largest page the listing endpoints return.
const PageSize = 250

const maxAttempts = 5

var ErrRateLimited = errors.New("kommo: rate limit retries exhausted")

// StatusError is returned for non-2xx responses other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kommo: unexpected status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http  *resty.Client
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

type Option func(*Client)

// WithBaseURL overrides the account URL derived from the subdomain.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.http.SetBaseURL(strings.TrimRight(u, "/")) }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient builds a client for https://{subdomain}.{domain}/api/v4.
// A subdomain that already contains a dot is used as the full host.
func NewClient(subdomain, domain, accessToken string, opts ...Option) (*Client, error) {
	subdomain = strings.TrimSpace(subdomain)
	if subdomain == "" {
		return nil, errors.New("kommo: subdomain cannot be empty")
	}
	if accessToken == "" {
		return nil, errors.New("kommo: access token cannot be empty")
	}
	if domain == "" {
		domain = "kommo.com"
	}
	host := subdomain
	if !strings.Contains(host, ".") {
		host = subdomain + "." + domain
	}

	c := &Client{
		http: resty.New().
			SetBaseURL("https://" + host + "/api/v4").
			SetAuthToken(accessToken).
			SetHeader("Accept", "application/json").
			SetTimeout(30 * time.Second),
		sleep: sleepCtx,
		log:   logger.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Contacts returns one page of contacts with their linked leads. An empty
// slice means the listing is exhausted.
func (c *Client) Contacts(ctx context.Context, page int) ([]Contact, error) {
	var out contactsPage
	if err := c.get(ctx, "/contacts", page, "leads", &out); err != nil {
		return nil, err
	}
	return out.Embedded.Contacts, nil
}

// Leads returns one page of leads with their linked contacts.
func (c *Client) Leads(ctx context.Context, page int) ([]Lead, error) {
	var out leadsPage
	if err := c.get(ctx, "/leads", page, "contacts", &out); err != nil {
		return nil, err
	}
	return out.Embedded.Leads, nil
}

// get fetches a listing page, backing off 2^attempt seconds on 429.
func (c *Client) get(ctx context.Context, path string, page int, with string, result any) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit": strconv.Itoa(PageSize),
				"page":  strconv.Itoa(page),
				"with":  with,
			}).
			SetResult(result).
			Get(path)
		if err != nil {
			return fmt.Errorf("kommo: get %s: %w", path, err)
		}

		switch {
		case resp.StatusCode() == http.StatusNoContent:
			// Kommo answers past the last page with 204 and no body.
			return nil
		case resp.StatusCode() == http.StatusTooManyRequests:
			if attempt == maxAttempts-1 {
				return ErrRateLimited
			}
			wait := time.Duration(1<<attempt) * time.Second
			c.log.Warn("kommo rate limited", "path", path, "page", page, "attempt", attempt+1, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		case resp.IsError():
			return &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
		default:
			return nil
		}
	}
	return ErrRateLimited
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
