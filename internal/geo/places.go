package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/voxlinkco/textpilot/internal/config"
)

// Place is one nearby search hit.
type Place struct {
	Name    string
	Address string
	Rating  float64
}

// PlacesClient searches for places of a category around a coordinate.
type PlacesClient interface {
	Nearby(ctx context.Context, lat, lon float64, category string, radiusKm int) ([]Place, error)
}

type googlePlacesClient struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
}

// NewPlacesClient builds a PlacesClient against a Google Places compatible
// nearby search endpoint.
func NewPlacesClient(cfg config.PlacesConfig) PlacesClient {
	return &googlePlacesClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: geoRequestTimeout},
	}
}

// placeTypes maps canonical categories to place types. Categories without a
// type fall back to a keyword search.
var placeTypes = map[string]string{
	"gas station":   "gas_station",
	"grocery store": "supermarket",
	"restaurant":    "restaurant",
	"cafe":          "cafe",
	"pharmacy":      "pharmacy",
	"hospital":      "hospital",
	"hotel":         "lodging",
	"atm":           "atm",
	"parking":       "parking",
}

type nearbySearchResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Name     string  `json:"name"`
		Vicinity string  `json:"vicinity"`
		Rating   float64 `json:"rating"`
	} `json:"results"`
}

func (c *googlePlacesClient) Nearby(ctx context.Context, lat, lon float64, category string, radiusKm int) ([]Place, error) {
	q := url.Values{}
	q.Set("location", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("radius", strconv.Itoa(radiusKm*1000))
	if placeType, ok := placeTypes[category]; ok {
		q.Set("type", placeType)
	} else {
		q.Set("keyword", category)
	}
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nearbysearch/json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create places request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch places: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("places request failed with status %d", resp.StatusCode)
	}

	var result nearbySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode places response: %w", err)
	}

	switch result.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, fmt.Errorf("places request rejected with status %s", result.Status)
	}

	places := make([]Place, 0, len(result.Results))
	for _, r := range result.Results {
		places = append(places, Place{Name: r.Name, Address: r.Vicinity, Rating: r.Rating})
		if c.maxResults > 0 && len(places) >= c.maxResults {
			break
		}
	}
	return places, nil
}
