// Package geo talks to the location-bound collaborators: current weather,
// nearby place search and the built-in shelter catalog.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxlinkco/textpilot/internal/config"
)

const geoRequestTimeout = 10 * time.Second

// Observation is the current weather at a coordinate.
type Observation struct {
	TemperatureC float64
	WindSpeedKmh float64
	Code         int
	Description  string
}

// Summary renders the observation as one SMS-friendly line.
func (o Observation) Summary() string {
	return fmt.Sprintf("%s, %.0f C, wind %.0f km/h", o.Description, o.TemperatureC, o.WindSpeedKmh)
}

// WeatherClient fetches the current conditions for a coordinate.
type WeatherClient interface {
	Current(ctx context.Context, lat, lon float64) (*Observation, error)
}

type openMeteoClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherClient builds a WeatherClient against an Open-Meteo compatible
// endpoint.
func NewWeatherClient(cfg config.WeatherConfig) WeatherClient {
	return &openMeteoClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: geoRequestTimeout},
	}
}

type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

func (c *openMeteoClient) Current(ctx context.Context, lat, lon float64) (*Observation, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("current", "temperature_2m,wind_speed_10m,weather_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("weather request failed with status %d", resp.StatusCode)
	}

	var result openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}

	return &Observation{
		TemperatureC: result.Current.Temperature,
		WindSpeedKmh: result.Current.WindSpeed,
		Code:         result.Current.WeatherCode,
		Description:  describeWeatherCode(result.Current.WeatherCode),
	}, nil
}

// describeWeatherCode maps WMO weather interpretation codes to short text.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "Clear sky"
	case code <= 2:
		return "Partly cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain showers"
	case code == 85 || code == 86:
		return "Snow showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Mixed conditions"
	}
}
