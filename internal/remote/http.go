package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/punchamoorthee/unfollowops/internal/domain"
)

// maxPages bounds relationship pagination against a cursor that never terminates.
const maxPages = 500

// HTTPClient is the JSON-over-HTTP implementation of Client.
type HTTPClient struct {
	client *resty.Client
}

type meResponse struct {
	User Identity `json:"user"`
}

type pageResponse struct {
	Users     []domain.RemoteUser `json:"users"`
	NextMaxID string              `json:"next_max_id"`
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	return &HTTPClient{client: client}
}

func (c *HTTPClient) request(ctx context.Context, cred Credential) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetCookie(&http.Cookie{Name: "sessionid", Value: string(cred)})
}

func (c *HTTPClient) VerifyCredential(ctx context.Context, cred Credential) (Identity, error) {
	resp, err := c.request(ctx, cred).Get("/v1/me")
	if err = classify(resp, err); err != nil {
		observe("verify", err)
		return Identity{}, err
	}

	var me meResponse
	if err := json.Unmarshal(resp.Body(), &me); err != nil {
		observe("verify", ErrUnavailable)
		return Identity{}, fmt.Errorf("%w: decode identity: %v", ErrUnavailable, err)
	}
	if me.User.RemoteID == "" {
		observe("verify", ErrAuthExpired)
		return Identity{}, ErrAuthExpired
	}
	observe("verify", nil)
	return me.User, nil
}

// ListRelationships follows the next_max_id cursor until the list is exhausted.
func (c *HTTPClient) ListRelationships(ctx context.Context, cred Credential, remoteID string, kind Kind, pageSize int) ([]domain.RemoteUser, error) {
	op := "list_" + string(kind)
	users := make([]domain.RemoteUser, 0, pageSize)
	cursor := ""

	for page := 0; page < maxPages; page++ {
		req := c.request(ctx, cred).
			SetPathParams(map[string]string{"id": remoteID, "kind": string(kind)}).
			SetQueryParam("count", strconv.Itoa(pageSize))
		if cursor != "" {
			req.SetQueryParam("max_id", cursor)
		}

		resp, err := req.Get("/v1/users/{id}/{kind}")
		if err = classify(resp, err); err != nil {
			observe(op, err)
			return nil, err
		}

		var body pageResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			observe(op, ErrUnavailable)
			return nil, fmt.Errorf("%w: decode %s page: %v", ErrUnavailable, kind, err)
		}
		users = append(users, body.Users...)

		if body.NextMaxID == "" || body.NextMaxID == cursor {
			observe(op, nil)
			return users, nil
		}
		cursor = body.NextMaxID
	}

	observe(op, ErrUnavailable)
	return nil, fmt.Errorf("%w: %s pagination exceeded %d pages", ErrUnavailable, kind, maxPages)
}

func (c *HTTPClient) Sever(ctx context.Context, cred Credential, remoteID, targetID string) error {
	resp, err := c.request(ctx, cred).
		SetPathParam("target", targetID).
		SetFormData(map[string]string{"user_id": remoteID}).
		Post("/v1/friendships/destroy/{target}")
	err = classify(resp, err)
	observe("sever", err)
	return err
}

// classify maps transport failures and status codes to the package's typed errors.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthExpired
	case code >= 400:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}
	return nil
}
