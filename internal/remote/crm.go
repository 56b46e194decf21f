package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultRequestTimeout = 10 * time.Second

// CRMClient talks to the remote CRM's record API over HTTP.
type CRMClient struct {
	client  *resty.Client
	baseURL string
}

var _ Gateway = (*CRMClient)(nil)

func NewCRMClient(baseURL, apiToken string, timeout time.Duration) (*CRMClient, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	if strings.TrimSpace(apiToken) != "" {
		client.SetAuthToken(apiToken)
	}

	return NewCRMClientWithClient(baseURL, client)
}

func NewCRMClientWithClient(baseURL string, client *resty.Client) (*CRMClient, error) {
	trimmedURL := strings.TrimSpace(baseURL)
	if trimmedURL == "" {
		return nil, fmt.Errorf("crm base url is required")
	}
	if _, err := url.ParseRequestURI(trimmedURL); err != nil {
		return nil, fmt.Errorf("invalid crm base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRequestTimeout)
	}
	client.SetRetryCount(0)

	return &CRMClient{
		client:  client,
		baseURL: strings.TrimRight(trimmedURL, "/"),
	}, nil
}

func (c *CRMClient) FetchSnapshot(ctx context.Context, remoteID string) (map[string]any, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("crm client is not initialized")
	}
	if strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("remote record id is required")
	}

	response, err := c.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/api/records/%s", c.baseURL, url.PathEscape(remoteID)))
	if err != nil {
		return nil, transportError(err)
	}
	if err := classifyResponse(response); err != nil {
		return nil, err
	}

	var snapshot map[string]any
	if err := json.Unmarshal(response.Body(), &snapshot); err != nil {
		return nil, &GatewayError{
			Kind:       KindAPIError,
			StatusCode: response.StatusCode(),
			Message:    "invalid record payload",
			Cause:      err,
		}
	}

	return snapshot, nil
}

func (c *CRMClient) UpdateRecord(ctx context.Context, remoteID string, fields map[string]any) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("crm client is not initialized")
	}
	if strings.TrimSpace(remoteID) == "" {
		return fmt.Errorf("remote record id is required")
	}
	if len(fields) == 0 {
		return fmt.Errorf("update requires at least one field")
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(fields).
		Patch(fmt.Sprintf("%s/api/records/%s", c.baseURL, url.PathEscape(remoteID)))
	if err != nil {
		return transportError(err)
	}

	return classifyResponse(response)
}

func transportError(err error) error {
	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &GatewayError{
		Kind:    kind,
		Message: "crm request failed",
		Cause:   err,
	}
}

func classifyResponse(response *resty.Response) error {
	if response == nil {
		return &GatewayError{Kind: KindNetwork, Message: "crm returned empty response"}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(response.String())
	message := fmt.Sprintf("crm returned status %d", statusCode)
	if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	switch {
	case statusCode == http.StatusNotFound:
		return &GatewayError{Kind: KindNotFound, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusTooManyRequests:
		return &GatewayError{
			Kind:       KindRateLimit,
			StatusCode: statusCode,
			Message:    message,
			RetryAfter: retryAfter(response),
		}
	case statusCode >= http.StatusInternalServerError:
		return &GatewayError{Kind: KindNetwork, StatusCode: statusCode, Message: message}
	default:
		return &GatewayError{Kind: KindAPIError, StatusCode: statusCode, Message: message}
	}
}

func retryAfter(response *resty.Response) time.Duration {
	raw := strings.TrimSpace(response.Header().Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
