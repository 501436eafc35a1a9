// Package platform holds the two ad-platform outbound collaborators from
// spec.md §6, PlatformClient-M and PlatformClient-G. Both follow
// pkg/ai/client.go's BaseURL+http.Client template; failures are wrapped as
// *ratelimit.APIError so execute_with_backoff's classification (spec §4.2)
// can see the HTTP status and any Retry-After header.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"adengine/pkg/ratelimit"
)

// AdSet is the subset of ad-set details PlatformClient-M's pre-fetch
// validation step needs (spec §4.5.2 step 3).
type AdSet struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

// MClient is the outbound port to ad platform M (spec §6 PlatformClient-M).
type MClient interface {
	GetAdSet(ctx context.Context, id, token string) (*AdSet, error)
	UpdateAdSetStatus(ctx context.Context, id, status, token string) error
	UpdateCampaignStatus(ctx context.Context, id, status, token string) error
}

// GClient is the outbound port to ad platform G (spec §6 PlatformClient-G).
type GClient interface {
	UpdateCampaignStatus(ctx context.Context, id, status, token string) error
}

// HTTPMClient is the production MClient.
type HTTPMClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPMClient builds an HTTPMClient.
func NewHTTPMClient(baseURL string) *HTTPMClient {
	return &HTTPMClient{BaseURL: baseURL, HTTPClient: &http.Client{}}
}

// GetAdSet fetches ad-set details, used as the pre-update validation step
// spec.md §4.5.2 requires for platform M.
func (c *HTTPMClient) GetAdSet(ctx context.Context, id, token string) (*AdSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/adsets/%s", c.BaseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("platform_m: build get_ad_set request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &ratelimit.APIError{Err: fmt.Errorf("platform_m: get_ad_set failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("platform_m: ad set %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFromResponse("platform_m: get_ad_set", resp)
	}

	var adSet AdSet
	if err := json.NewDecoder(resp.Body).Decode(&adSet); err != nil {
		return nil, fmt.Errorf("platform_m: decode ad set %s: %w", id, err)
	}
	return &adSet, nil
}

// UpdateAdSetStatus issues the ad-set level status update.
func (c *HTTPMClient) UpdateAdSetStatus(ctx context.Context, id, status, token string) error {
	return c.patchStatus(ctx, fmt.Sprintf("%s/adsets/%s", c.BaseURL, id), status, token)
}

// UpdateCampaignStatus issues the campaign level status update.
func (c *HTTPMClient) UpdateCampaignStatus(ctx context.Context, id, status, token string) error {
	return c.patchStatus(ctx, fmt.Sprintf("%s/campaigns/%s", c.BaseURL, id), status, token)
}

func (c *HTTPMClient) patchStatus(ctx context.Context, target, status, token string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("platform_m: marshal status update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("platform_m: build status update request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ratelimit.APIError{Err: fmt.Errorf("platform_m: status update failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiErrorFromResponse("platform_m: status update", resp)
	}
	return nil
}

// HTTPGClient is the production GClient.
type HTTPGClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPGClient builds an HTTPGClient.
func NewHTTPGClient(baseURL string) *HTTPGClient {
	return &HTTPGClient{BaseURL: baseURL, HTTPClient: &http.Client{}}
}

// UpdateCampaignStatus issues the platform-G campaign status update.
func (c *HTTPGClient) UpdateCampaignStatus(ctx context.Context, id, status, token string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("platform_g: marshal status update: %w", err)
	}
	target := fmt.Sprintf("%s/campaigns/%s", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("platform_g: build status update request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ratelimit.APIError{Err: fmt.Errorf("platform_g: status update failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiErrorFromResponse("platform_g: status update", resp)
	}
	return nil
}

func apiErrorFromResponse(context string, resp *http.Response) error {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &ratelimit.APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("%s: status %d: %s", context, resp.StatusCode, string(msg)),
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

