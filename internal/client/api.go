package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/httpclient"
	"github.com/fathima-sithara/notify-service/internal/model"
)

// API calls the pull endpoints for one identity.
type API struct {
	base     string
	token    string
	identity model.Recipient
	http     *httpclient.Client
}

func NewAPI(baseURL, token string, identity model.Recipient, hc *httpclient.Client) *API {
	if hc == nil {
		hc = httpclient.NewClient(httpclient.ClientConfig{})
	}
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, identity: identity, http: hc}
}

func (a *API) Identity() model.Recipient { return a.identity }

func (a *API) request(method, path string, scoped bool) httpclient.RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		u := a.base + path
		if scoped {
			q := url.Values{}
			q.Set("userType", a.identity.Type.String())
			q.Set("userId", strconv.FormatInt(a.identity.ID, 10))
			u += "?" + q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// call retries idempotent requests and maps error statuses onto errs.
func (a *API) call(ctx context.Context, method, path string, scoped bool, out interface{}) error {
	newReq := a.request(method, path, scoped)
	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodDelete {
		resp, err = a.http.Do(ctx, newReq)
	} else {
		resp, err = a.http.DoWithRetry(ctx, newReq)
	}
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			return statusError(se.StatusCode, se.Body)
		}
		return fmt.Errorf("%w: %v", errs.ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(resp.StatusCode, string(body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int, body string) error {
	body = strings.TrimSpace(body)
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", errs.ErrUnauthorized, body)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", errs.ErrForbidden, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", errs.ErrRateLimited, body)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", errs.ErrStoreUnavailable, body)
	default:
		return &httpclient.StatusError{StatusCode: code, Body: body}
	}
}

func (a *API) List(ctx context.Context) ([]*model.Notification, error) {
	var out []*model.Notification
	if err := a.call(ctx, http.MethodGet, "/api/notifications", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) UnreadCount(ctx context.Context) (int64, error) {
	var n int64
	if err := a.call(ctx, http.MethodGet, "/api/notifications/unread/count", true, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (a *API) MarkRead(ctx context.Context, id int64) error {
	return a.call(ctx, http.MethodPut, "/api/notifications/"+strconv.FormatInt(id, 10)+"/read", false, nil)
}

func (a *API) MarkAllRead(ctx context.Context) error {
	return a.call(ctx, http.MethodPut, "/api/notifications/read-all", true, nil)
}

func (a *API) Delete(ctx context.Context, id int64) error {
	return a.call(ctx, http.MethodDelete, "/api/notifications/"+strconv.FormatInt(id, 10), false, nil)
}

func (a *API) DeleteAll(ctx context.Context) error {
	return a.call(ctx, http.MethodDelete, "/api/notifications", true, nil)
}
