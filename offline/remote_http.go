package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRemoteTimeout = 30 * time.Second

// HTTPRemote talks JSON to the platform's data service.
//
// Endpoints:
//   - GET  {base}/collections/{tag}?filter params  → {"records": [...]}
//   - POST {base}/mutations                        → 2xx accepted, 409/422 rejected
//   - GET  {base}/assets/{id}/version              → {"version": N}
//
// Asset payloads are fetched from their own URLs (FetchAssetBlob), which need
// not live under the base URL.
type HTTPRemote struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRemote creates an HTTP remote with a default 30s timeout client.
func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Client:  &http.Client{Timeout: defaultRemoteTimeout},
	}
}

func (r *HTTPRemote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: defaultRemoteTimeout}
}

func (r *HTTPRemote) FetchCollection(ctx context.Context, tag CollectionTag, filters map[string]string) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/collections/%s", r.BaseURL, url.PathEscape(string(tag)))
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			q.Set(k, v)
		}
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection request: %w", err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrNetworkUnavailable, tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch collection %s: status %d", tag, resp.StatusCode)
	}

	var out struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", tag, err)
	}
	return out.Records, nil
}

func (r *HTTPRemote) FetchAssetBlob(ctx context.Context, blobURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create asset request: %w", err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch asset: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch asset %s: status %d", blobURL, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (r *HTTPRemote) ApplyMutation(ctx context.Context, m Mutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/mutations", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: apply mutation: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrSyncRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("apply mutation %s: status %d", m.ID, resp.StatusCode)
	}
}

func (r *HTTPRemote) GetServerVersion(ctx context.Context, assetID string) (int64, error) {
	endpoint := fmt.Sprintf("%s/assets/%s/version", r.BaseURL, url.PathEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create version request: %w", err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: server version: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server version for %s: status %d", assetID, resp.StatusCode)
	}

	var out struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode server version for %s: %w", assetID, err)
	}
	return out.Version, nil
}
