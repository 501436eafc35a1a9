// Package weather is the WeatherClient outbound collaborator (spec.md §6):
// current conditions for a lat/lon pair. Grounded on pkg/ai/client.go's
// BaseURL+http.Client+timeout shape; the JSON response here follows the
// OpenWeatherMap "current weather" payload, the most common third-party
// weather provider shape in the pack.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"adengine/pkg/models"
	"adengine/pkg/ratelimit"
)

// Client is the outbound port the Automation Engine calls through the Rate
// Limiter (service "weather", endpoint "current_weather").
type Client interface {
	CurrentWeather(ctx context.Context, lat, lon float64) (*models.WeatherSnapshot, error)
}

// HTTPClient is the production WeatherClient, timing out per spec §5 ("Weather
// call ≤ 10 s").
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient builds an HTTPClient against the OpenWeatherMap API.
func NewHTTPClient(apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: "https://api.openweathermap.org/data/2.5",
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type owmResponse struct {
	Weather []struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Visibility float64 `json:"visibility"` // meters
	Rain       struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
}

// CurrentWeather fetches and normalizes current conditions into the units
// spec.md §6 requires: temperature °C, wind m/s, precipitation mm/h,
// visibility km, cloud_cover %.
func (c *HTTPClient) CurrentWeather(ctx context.Context, lat, lon float64) (*models.WeatherSnapshot, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("appid", c.APIKey)
	q.Set("units", "metric")

	reqURL := fmt.Sprintf("%s/weather?%s", c.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &ratelimit.APIError{Err: fmt.Errorf("weather: request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &ratelimit.APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("weather: provider returned status %d", resp.StatusCode),
		}
	}

	var body owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}

	snapshot := &models.WeatherSnapshot{
		Temperature:   body.Main.Temp,
		Humidity:      body.Main.Humidity,
		WindSpeed:     body.Wind.Speed,
		Precipitation: body.Rain.OneHour,
		Visibility:    body.Visibility / 1000.0,
		CloudCover:    body.Clouds.All,
	}
	if len(body.Weather) > 0 {
		snapshot.Description = body.Weather[0].Description
		snapshot.Icon = body.Weather[0].Icon
		snapshot.ConditionID = body.Weather[0].ID
	}
	return snapshot, nil
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
