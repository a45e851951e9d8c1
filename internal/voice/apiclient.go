package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"crm-platform/internal/calls"
)

// APIClient talks to the CRM API on behalf of a signed in user. It is the
// CredentialSource, UserResolver and RecordStore of a remote softphone.
type APIClient struct {
	http *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewAPIClient(baseURL, accessToken string, timeout time.Duration) (*APIClient, error) {
	if baseURL == "" {
		return nil, errors.New("voice: api base url cannot be empty")
	}
	if accessToken == "" {
		return nil, errors.New("voice: api access token cannot be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetError(&apiError{}).
		SetTimeout(timeout)
	return &APIClient{http: client}, nil
}

func (c *APIClient) FetchToken(ctx context.Context) (string, error) {
	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{}).
		SetResult(&out).
		Post("/v1/voice/token")
	if err := check("fetch token", resp, err); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *APIClient) CurrentUser(ctx context.Context) (UserData, error) {
	var out UserData
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/me")
	if err := check("current user", resp, err); err != nil {
		return UserData{}, err
	}
	return out, nil
}

// Create posts a new call record. The organization and user are taken
// from the access token server side.
func (c *APIClient) Create(ctx context.Context, r calls.Record) (calls.Record, error) {
	var out calls.Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(r).
		SetResult(&out).
		Post("/v1/calls")
	if err := check("create call", resp, err); err != nil {
		return calls.Record{}, err
	}
	return out, nil
}

func (c *APIClient) UpdateStatus(ctx context.Context, _ string, id string, u calls.StatusUpdate) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(u).
		Patch("/v1/calls/{id}")
	return check("update call", resp, err)
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("voice: %s: %w", op, err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("voice: %s: status %d: %s", op, resp.StatusCode(), e.Error)
		}
		return fmt.Errorf("voice: %s: status %d", op, resp.StatusCode())
	}
	return nil
}
