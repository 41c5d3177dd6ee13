package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const apiVersionHeader = "2022-11-28"

// AssetHost is the release-asset service holding the repository index file.
// It is a plain durable file host with no content addressing and no atomic
// replace, so updates are delete-then-recreate.
type AssetHost struct {
	httpClient *http.Client
	apiURL     string
	uploadURL  string
	token      string
}

// AssetHostOption configures an AssetHost.
type AssetHostOption func(*AssetHost)

// WithAssetEndpoints overrides the API and upload base URLs.
func WithAssetEndpoints(apiURL, uploadURL string) AssetHostOption {
	return func(h *AssetHost) {
		h.apiURL = strings.TrimSuffix(apiURL, "/")
		h.uploadURL = strings.TrimSuffix(uploadURL, "/")
	}
}

// WithAssetHTTPClient sets a custom HTTP client.
func WithAssetHTTPClient(c *http.Client) AssetHostOption {
	return func(h *AssetHost) { h.httpClient = c }
}

// NewAssetHost creates a client for the release-asset service.
func NewAssetHost(token string, opts ...AssetHostOption) *AssetHost {
	h := &AssetHost{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiURL:     "https://api.github.com",
		uploadURL:  "https://uploads.github.com",
		token:      token,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Release is a named release and the assets currently attached to it.
type Release struct {
	ID     int64
	Name   string
	Assets map[string]int64 // asset name -> asset id
}

// FindRelease looks up a release by name under the remote.
func (h *AssetHost) FindRelease(ctx context.Context, remote, name string) (*Release, error) {
	var releases []struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Assets []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"assets"`
	}

	if err := h.getJSON(ctx, fmt.Sprintf("%s/repos/%s/releases", h.apiURL, remote), &releases); err != nil {
		return nil, err
	}

	for _, rel := range releases {
		if rel.Name != name {
			continue
		}
		release := &Release{ID: rel.ID, Name: rel.Name, Assets: make(map[string]int64, len(rel.Assets))}
		for _, asset := range rel.Assets {
			release.Assets[asset.Name] = asset.ID
		}
		return release, nil
	}
	return nil, fmt.Errorf("no release named %q under %q", name, remote)
}

// DeleteAsset removes an asset by id.
func (h *AssetHost) DeleteAsset(ctx context.Context, remote string, assetID int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/repos/%s/releases/assets/%d", h.apiURL, remote, assetID), nil)
	if err != nil {
		return err
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete asset %d: %w", assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to delete asset %d: status %d", assetID, resp.StatusCode)
	}
	return nil
}

// UploadAsset attaches a file to a release under the given asset name.
func (h *AssetHost) UploadAsset(ctx context.Context, remote string, releaseID int64, name, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("cannot upload asset %q: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/repos/%s/releases/%d/assets?name=%s",
		h.uploadURL, remote, releaseID, url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	h.setHeaders(req)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload asset %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("failed to upload asset %q: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	log.Debug("Asset uploaded", "name", name, "release", releaseID)
	return nil
}

// ReplaceAsset deletes any existing asset with the same name before
// uploading, the closest this host gets to replacement.
func (h *AssetHost) ReplaceAsset(ctx context.Context, remote string, release *Release, name, file string) error {
	if assetID, ok := release.Assets[name]; ok {
		log.Debug("Deleting existing asset", "name", name)
		if err := h.DeleteAsset(ctx, remote, assetID); err != nil {
			return err
		}
	}
	return h.UploadAsset(ctx, remote, release.ID, name, file)
}

func (h *AssetHost) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s failed: status %d", target, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *AssetHost) setHeaders(req *http.Request) {
	req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}
