package geocoding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/geoevents/geoevents/internal/failure"
)

// Provider types accepted in configuration.
const (
	TypeNominatim = "nominatim"
	TypeGoogle    = "google"
	TypeOpenCage  = "opencage"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultGoogleURL    = "https://maps.googleapis.com"
	defaultOpenCageURL  = "https://api.opencagedata.com"
	defaultUserAgent    = "geoevents/1.0"
)

// NewProvider builds the adapter for pc. Adapters that need an API key fail with
// a configuration error when none is configured.
func NewProvider(pc ProviderConfig, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: pc.Timeout}
	}

	switch strings.ToLower(pc.Type) {
	case TypeNominatim:
		return &Nominatim{name: pc.Name, baseURL: orDefault(pc.BaseURL, defaultNominatimURL),
			userAgent: orDefault(pc.UserAgent, defaultUserAgent), client: client}, nil
	case TypeGoogle:
		if pc.ResolvedAPIKey() == "" {
			return nil, failure.AsConfiguration(fmt.Errorf("%w: provider %s", ErrMissingCredentials, pc.Name))
		}

		return &Google{name: pc.Name, baseURL: orDefault(pc.BaseURL, defaultGoogleURL),
			apiKey: pc.ResolvedAPIKey(), client: client}, nil
	case TypeOpenCage:
		if pc.ResolvedAPIKey() == "" {
			return nil, failure.AsConfiguration(fmt.Errorf("%w: provider %s", ErrMissingCredentials, pc.Name))
		}

		return &OpenCage{name: pc.Name, baseURL: orDefault(pc.BaseURL, defaultOpenCageURL),
			apiKey: pc.ResolvedAPIKey(), client: client}, nil
	default:
		return nil, failure.AsConfiguration(fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, pc.Type))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return strings.TrimRight(v, "/")
}

// Nominatim adapts the OpenStreetMap Nominatim search API.
type Nominatim struct {
	name      string
	baseURL   string
	userAgent string
	client    *http.Client
}

func (n *Nominatim) Name() string { return n.name }

type nominatimPlace struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"` //nolint:tagliatelle // upstream API field
	Importance  float64 `json:"importance"`
}

func (n *Nominatim) Geocode(ctx context.Context, address string) (*Result, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")

	var places []nominatimPlace
	if err := getJSON(ctx, n.client, n.baseURL+"/search?"+q.Encode(), map[string]string{"User-Agent": n.userAgent}, &places); err != nil {
		return nil, err
	}

	if len(places) == 0 {
		return nil, notFound(n.name, address)
	}

	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(places[0].Lon, 64)

	if errLat != nil || errLon != nil {
		return nil, failure.AsTransient(fmt.Errorf("%w: malformed coordinates from %s", ErrProviderUnavailable, n.name))
	}

	return &Result{
		Coordinate:       Coordinate{Latitude: lat, Longitude: lon},
		Confidence:       clamp01(places[0].Importance),
		FormattedAddress: places[0].DisplayName,
		Provider:         n.name,
	}, nil
}

// Google adapts the Google Geocoding API.
type Google struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func (g *Google) Name() string { return g.name }

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"` //nolint:tagliatelle // upstream API field
	Results      []struct {
		FormattedAddress string `json:"formatted_address"` //nolint:tagliatelle // upstream API field
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"` //nolint:tagliatelle // upstream API field
		} `json:"geometry"`
	} `json:"results"`
}

var googleConfidence = map[string]float64{
	"ROOFTOP":            1.0,
	"RANGE_INTERPOLATED": 0.8,
	"GEOMETRIC_CENTER":   0.6,
	"APPROXIMATE":        0.4,
}

func (g *Google) Geocode(ctx context.Context, address string) (*Result, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", g.apiKey)

	var body googleResponse
	if err := getJSON(ctx, g.client, g.baseURL+"/maps/api/geocode/json?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	switch body.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, notFound(g.name, address)
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return nil, failure.AsTransient(fmt.Errorf("%w: %s", ErrRateLimited, body.Status))
	case "REQUEST_DENIED":
		return nil, failure.AsConfiguration(fmt.Errorf("%w: %s", ErrMissingCredentials, body.ErrorMessage))
	default:
		return nil, failure.AsTransient(fmt.Errorf("%w: status %s", ErrProviderUnavailable, body.Status))
	}

	if len(body.Results) == 0 {
		return nil, notFound(g.name, address)
	}

	first := body.Results[0]

	confidence, ok := googleConfidence[first.Geometry.LocationType]
	if !ok {
		confidence = 0.5
	}

	return &Result{
		Coordinate:       Coordinate{Latitude: first.Geometry.Location.Lat, Longitude: first.Geometry.Location.Lng},
		Confidence:       confidence,
		FormattedAddress: first.FormattedAddress,
		Provider:         g.name,
	}, nil
}

// OpenCage adapts the OpenCage geocoding API.
type OpenCage struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func (o *OpenCage) Name() string { return o.name }

type openCageResponse struct {
	Results []struct {
		Formatted  string  `json:"formatted"`
		Confidence float64 `json:"confidence"`
		Geometry   struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"geometry"`
	} `json:"results"`
}

func (o *OpenCage) Geocode(ctx context.Context, address string) (*Result, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("key", o.apiKey)
	q.Set("limit", "1")
	q.Set("no_annotations", "1")

	var body openCageResponse
	if err := getJSON(ctx, o.client, o.baseURL+"/geocode/v1/json?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	if len(body.Results) == 0 {
		return nil, notFound(o.name, address)
	}

	first := body.Results[0]

	return &Result{
		Coordinate:       Coordinate{Latitude: first.Geometry.Lat, Longitude: first.Geometry.Lng},
		Confidence:       clamp01(first.Confidence / 10),
		FormattedAddress: first.Formatted,
		Provider:         o.name,
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
