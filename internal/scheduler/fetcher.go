package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/geoevents/geoevents/internal/failure"
)

const (
	defaultFilename = "download"
	userAgent       = "geoevents-scheduler/1.0"
)

// ErrDownloadTooLarge is returned when the body exceeds the configured limit.
var ErrDownloadTooLarge = errors.New("download exceeds size limit")

// FetchResult is a downloaded source or a not-modified marker.
type FetchResult struct {
	Data        []byte
	Filename    string
	ContentType string
	// NotModified means the content matches the last download, either because
	// the server said so, the body hash is unchanged, or the cached copy is
	// still fresh. Data is empty.
	NotModified bool
	// Validators replace the schedule's stored validators.
	Validators Validators
}

// Fetcher downloads schedule sources honoring their cache policy.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	now      func() time.Time
}

// NewFetcher creates a Fetcher. A nil client gets one with the given timeout.
func NewFetcher(client *http.Client, timeout time.Duration, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Fetcher{client: client, maxBytes: maxBytes, now: time.Now}
}

// Fetch downloads the schedule's source. Manual runs skip stored validators
// when the cache policy bypasses them. 401 and 403 responses and other client
// errors are configuration failures; timeouts, 408, 429 and 5xx are transient.
func (f *Fetcher) Fetch(ctx context.Context, s *Schedule, manual bool) (*FetchResult, error) {
	useCache := s.Cache.UseCache && !(manual && s.Cache.BypassOnManual)
	now := f.now()

	if useCache && s.Cache.RespectCacheControl && s.Validators.CachedUntil != nil &&
		now.Before(*s.Validators.CachedUntil) {
		return &FetchResult{NotModified: true, Validators: s.Validators}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, failure.AsConfiguration(fmt.Errorf("build request for %s: %w", s.URL, err))
	}

	req.Header.Set("User-Agent", userAgent)
	applyAuth(req, s.Auth)

	if useCache {
		if s.Validators.ETag != "" {
			req.Header.Set("If-None-Match", s.Validators.ETag)
		}

		if s.Validators.LastModified != "" {
			req.Header.Set("If-Modified-Since", s.Validators.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, failure.AsTransient(fmt.Errorf("fetch %s: %w", s.URL, err))
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		validators := s.Validators
		validators.CachedUntil = f.cachedUntil(s.Cache, resp.Header, now)

		return &FetchResult{NotModified: true, Validators: validators}, nil
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.URL, err)
	}

	data, err := f.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	validators := Validators{ContentHash: contentHash}
	if !noStore(resp.Header) {
		validators.ETag = resp.Header.Get("ETag")
		validators.LastModified = resp.Header.Get("Last-Modified")
		validators.CachedUntil = f.cachedUntil(s.Cache, resp.Header, now)
	}

	if useCache && contentHash == s.Validators.ContentHash {
		return &FetchResult{NotModified: true, Validators: validators}, nil
	}

	return &FetchResult{
		Data:        data,
		Filename:    filenameFor(resp.Header.Get("Content-Disposition"), resp.Request.URL),
		ContentType: resp.Header.Get("Content-Type"),
		Validators:  validators,
	}, nil
}

func (f *Fetcher) readBody(body io.Reader) ([]byte, error) {
	if f.maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, failure.AsTransient(fmt.Errorf("read body: %w", err))
		}

		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, failure.AsTransient(fmt.Errorf("read body: %w", err))
	}

	if int64(len(data)) > f.maxBytes {
		return nil, failure.AsValidation(fmt.Errorf("%w: limit %d bytes", ErrDownloadTooLarge, f.maxBytes))
	}

	return data, nil
}

func (f *Fetcher) cachedUntil(policy CachePolicy, header http.Header, now time.Time) *time.Time {
	if !policy.RespectCacheControl {
		return nil
	}

	maxAge, ok := maxAge(header.Get("Cache-Control"))
	if !ok || maxAge <= 0 {
		return nil
	}

	until := now.Add(maxAge)

	return &until
}

func applyAuth(req *http.Request, auth AuthConfig) {
	switch auth.Type {
	case AuthAPIKey:
		header := auth.HeaderName
		if header == "" {
			header = defaultAPIKeyHeader
		}

		req.Header.Set(header, auth.APIKey)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthNone:
	}
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return failure.Newf(failure.Configuration, "source rejected credentials: HTTP %d", code)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return failure.Newf(failure.Transient, "source unavailable: HTTP %d", code)
	default:
		return failure.Newf(failure.Configuration, "unexpected response: HTTP %d", code)
	}
}

// maxAge parses the max-age directive. no-store and no-cache report zero.
func maxAge(cacheControl string) (time.Duration, bool) {
	if cacheControl == "" {
		return 0, false
	}

	var (
		age   time.Duration
		found bool
	)

	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))

		switch {
		case directive == "no-store" || directive == "no-cache":
			return 0, true
		case strings.HasPrefix(directive, "max-age="):
			seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err != nil || seconds < 0 {
				continue
			}

			age = time.Duration(seconds) * time.Second
			found = true
		}
	}

	return age, found
}

func noStore(header http.Header) bool {
	for _, directive := range strings.Split(header.Get("Cache-Control"), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
			return true
		}
	}

	return false
}

func filenameFor(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}

	if u != nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}

	return defaultFilename
}
