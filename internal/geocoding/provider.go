package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/geoevents/geoevents/internal/failure"
)

const maxResponseBytes = 1 << 20

// Sentinel errors for provider calls.
var (
	// ErrNotFound means the provider answered but has no match for the address.
	ErrNotFound = errors.New("address not found")
	// ErrRateLimited means the provider rejected the call for exceeding its quota.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrProviderUnavailable covers 5xx responses, timeouts and transport errors.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMissingCredentials means the provider refused or lacks an API key.
	ErrMissingCredentials = errors.New("missing or rejected provider credentials")
	// ErrNoProviders is returned when no provider is eligible under the selection strategy.
	ErrNoProviders = errors.New("no geocoding provider available")
)

// Result is a provider's answer for one address.
type Result struct {
	Coordinate
	Confidence       float64 `json:"confidence"`
	FormattedAddress string  `json:"formattedAddress,omitempty"`
	Provider         string  `json:"provider"`
}

// Provider resolves a free-text address into a coordinate. Adapters return
// ErrNotFound (validation), ErrRateLimited / ErrProviderUnavailable (transient) or
// ErrMissingCredentials (configuration), classified with the failure package.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Result, error)
}

// getJSON performs a GET and decodes a JSON body, classifying failures.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure.AsConfiguration(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Accept", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyHTTPStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return failure.AsTransient(fmt.Errorf("%w: decode response: %w", ErrProviderUnavailable, err))
	}

	return nil
}

// classifyHTTPStatus maps a response status to a categorized error, nil for 2xx.
func classifyHTTPStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return failure.AsTransient(fmt.Errorf("%w: status %d", ErrRateLimited, code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return failure.AsConfiguration(fmt.Errorf("%w: status %d", ErrMissingCredentials, code))
	case code == http.StatusNotFound:
		return failure.AsValidation(fmt.Errorf("%w: status %d", ErrNotFound, code))
	case code >= 400 && code < 500:
		return failure.AsValidation(fmt.Errorf("provider rejected request: status %d", code))
	default:
		return failure.AsTransient(fmt.Errorf("%w: status %d", ErrProviderUnavailable, code))
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.AsTransient(fmt.Errorf("%w: timeout: %w", ErrProviderUnavailable, err))
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return failure.AsTransient(fmt.Errorf("%w: %w", ErrProviderUnavailable, err))
}

func notFound(provider, address string) error {
	return failure.AsValidation(fmt.Errorf("%w: %s has no result for %q", ErrNotFound, provider, address))
}
