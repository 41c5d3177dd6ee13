// Package registry implements the client side of the OCI Distribution
// protocol subset used for package releases: blob existence and upload,
// content-addressed manifest upload, and mutable index tags.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pacdist/pacdist/pkg/oci"
)

// PlatformOS is the operating system recorded on platformed manifest
// descriptors.
const PlatformOS = "darwin"

// PlatformFor maps a package CPU architecture onto the registry's platform
// vocabulary. Architecture-independent artifacts carry no platform at all.
func PlatformFor(arch string) (*oci.Platform, error) {
	switch arch {
	case "any":
		return nil, nil
	case "arm64", "arm64e", "aarch64":
		return &oci.Platform{OS: PlatformOS, Architecture: "arm64"}, nil
	case "x86_64":
		return &oci.Platform{OS: PlatformOS, Architecture: "amd64"}, nil
	default:
		return nil, fmt.Errorf("unsupported package architecture %q", arch)
	}
}

// Existence classifies the result of the read-before-write check.
type Existence int

const (
	// ExistenceNone means no release holds this platform slot yet.
	ExistenceNone Existence = iota
	// ExistenceExists means an identical release is already present.
	ExistenceExists
	// ExistenceConflicts means the slot is held by different content under
	// the same declared version.
	ExistenceConflicts
)

// UploadResult reports what Upload actually did.
type UploadResult int

const (
	Uploaded UploadResult = iota
	AlreadyExists
)

// Client talks to one registry on behalf of one remote.
type Client struct {
	httpClient *http.Client
	baseURL    string
	remote     string
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a registry client authenticated with the given bearer
// token.
func NewClient(baseURL, remote, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		remote:     remote,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the registry path segment for one package.
func (c *Client) Namespace(pkg string) string {
	return c.remote + "/" + pkg
}

// HeadBlob reports whether the registry already stores the blob.
func (c *Client) HeadBlob(ctx context.Context, namespace, sha256Hex string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, fmt.Sprintf("/v2/%s/blobs/sha256:%s", namespace, sha256Hex), nil, "")
	if err != nil {
		return false, err
	}
	defer drain(resp)

	return resp.StatusCode == http.StatusOK, nil
}

// GetBlob streams a blob's content. The caller must close the reader.
func (c *Client) GetBlob(ctx context.Context, namespace, sha256Hex string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/%s/blobs/sha256:%s", namespace, sha256Hex), nil, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer drain(resp)
		return nil, c.statusError(resp, "failed to get blob sha256:%s", sha256Hex)
	}
	return resp.Body, nil
}

// UploadBlob pushes a blob unless the registry already has it. Returns true
// if bytes were actually transferred. The HEAD-first dedup makes re-pushes
// idempotent.
func (c *Client) UploadBlob(ctx context.Context, namespace, sha256Hex string, data io.Reader, size int64) (bool, error) {
	exists, err := c.HeadBlob(ctx, namespace, sha256Hex)
	if err != nil {
		return false, err
	}
	if exists {
		log.Debug("Blob already present, skipping upload", "namespace", namespace, "digest", sha256Hex)
		return false, nil
	}

	location, err := c.initiateBlobUpload(ctx, namespace)
	if err != nil {
		return false, err
	}

	if err := c.putBlob(ctx, location, sha256Hex, data, size); err != nil {
		return false, err
	}
	return true, nil
}

// initiateBlobUpload opens an upload session and returns its location URL.
func (c *Client) initiateBlobUpload(ctx context.Context, namespace string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v2/%s/blobs/uploads/", namespace), nil, "")
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.statusError(resp, "failed to get blob upload endpoint for namespace %q", namespace)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("registry returned no upload location for namespace %q", namespace)
	}
	return location, nil
}

// putBlob finishes an upload session with the blob content.
func (c *Client) putBlob(ctx context.Context, location, sha256Hex string, data io.Reader, size int64) error {
	target, err := c.resolve(location)
	if err != nil {
		return err
	}

	sep := "?"
	if strings.ContainsRune(target, '?') {
		sep = "&"
	}
	target += sep + "digest=" + url.QueryEscape("sha256:"+sha256Hex)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, data)
	if err != nil {
		return err
	}
	req.ContentLength = size
	c.setHeaders(req, oci.MediaTypeBytes)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob upload failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp, "failed to upload blob sha256:%s", sha256Hex)
	}
	return nil
}

// PutManifest writes manifest bytes at the given reference.
func (c *Client) PutManifest(ctx context.Context, namespace, reference string, data []byte, mediaType string) error {
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/v2/%s/manifests/%s", namespace, reference), bytes.NewReader(data), mediaType)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp, "failed to put manifest %s/%s", namespace, reference)
	}
	return nil
}

// getManifestBytes returns nil bytes without error on 404.
func (c *Client) getManifestBytes(ctx context.Context, namespace, reference string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/%s/manifests/%s", namespace, reference), nil, "")
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "failed to get manifest %s/%s", namespace, reference)
	}
	return io.ReadAll(resp.Body)
}

// GetManifest fetches and validates a manifest, or nil if absent.
func (c *Client) GetManifest(ctx context.Context, namespace, reference string) (*oci.Manifest, error) {
	data, err := c.getManifestBytes(ctx, namespace, reference)
	if err != nil || data == nil {
		return nil, err
	}

	m, err := oci.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetIndex fetches and validates an index, or nil if absent.
func (c *Client) GetIndex(ctx context.Context, namespace, tag string) (*oci.Index, error) {
	data, err := c.getManifestBytes(ctx, namespace, tag)
	if err != nil || data == nil {
		return nil, err
	}

	ix, err := oci.ParseIndex(data)
	if err != nil {
		return nil, err
	}
	return &ix, nil
}

// Tags lists the tags under a namespace; an unknown namespace yields none.
func (c *Client) Tags(ctx context.Context, namespace string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/%s/tags/list", namespace), nil, "")
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "failed to list tags for %q", namespace)
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse tag list for %q: %w", namespace, err)
	}
	return body.Tags, nil
}

// UploadManifest pushes a manifest at its own digest, the permanent
// content-addressed reference. Returns the digest and encoded size.
func (c *Client) UploadManifest(ctx context.Context, namespace string, m oci.Manifest) (string, int64, error) {
	data, digest, err := m.Encode()
	if err != nil {
		return "", 0, err
	}

	if err := c.PutManifest(ctx, namespace, "sha256:"+digest, data, oci.MediaTypeManifest); err != nil {
		return "", 0, err
	}
	return digest, int64(len(data)), nil
}

// CheckExistence classifies an intended upload against the index currently
// at the tag. The returned descriptors are the entries for other platforms,
// preserved verbatim on re-push; the entry matching platform (if any) is the
// slot being replaced and is excluded.
func (c *Client) CheckExistence(ctx context.Context, namespace, tag string, m oci.Manifest, platform *oci.Platform) (Existence, []oci.ManifestDescriptor, error) {
	index, err := c.GetIndex(ctx, namespace, tag)
	if err != nil {
		var integrity *oci.IntegrityError
		if errors.As(err, &integrity) {
			// a weird payload is reported, then treated as absent
			log.Warn("Registry returned a malformed index", "namespace", namespace, "tag", tag, "error", err)
			return ExistenceNone, nil, nil
		}
		return ExistenceNone, nil, err
	}
	if index == nil {
		return ExistenceNone, nil, nil
	}

	var others []oci.ManifestDescriptor
	currentDigest := ""

	for _, desc := range index.Manifests {
		if desc.MediaType != oci.MediaTypeManifest {
			continue
		}
		// an absent platform matches any comparison
		if currentDigest == "" && (platform == nil || desc.Platform == nil || *desc.Platform == *platform) {
			currentDigest = desc.Digest
		} else {
			others = append(others, desc)
		}
	}

	if currentDigest == "" {
		return ExistenceNone, others, nil
	}

	current, err := c.GetManifest(ctx, namespace, currentDigest)
	if err != nil {
		var integrity *oci.IntegrityError
		if errors.As(err, &integrity) {
			log.Warn("Registry returned a malformed manifest", "namespace", namespace, "digest", currentDigest, "error", err)
			return ExistenceConflicts, others, nil
		}
		return ExistenceNone, others, err
	}
	if current == nil {
		return ExistenceNone, others, nil
	}

	if current.Config.SHA256() == m.Config.SHA256() {
		return ExistenceExists, others, nil
	}
	return ExistenceConflicts, others, nil
}

// Upload publishes a manifest for one platform of a release. The manifest is
// pushed at its digest first; the tag (the only mutable pointer) is written
// last, so a crash mid-upload leaves it pointing at the previous valid index.
func (c *Client) Upload(ctx context.Context, namespace, tag string, m oci.Manifest, platform *oci.Platform) (UploadResult, error) {
	existence, others, err := c.CheckExistence(ctx, namespace, tag, m, platform)
	if err != nil {
		return Uploaded, err
	}

	switch existence {
	case ExistenceExists:
		log.Debug("Release already present", "namespace", namespace, "tag", tag)
		return AlreadyExists, nil
	case ExistenceConflicts:
		log.Warn("Content changed under an existing version, replacing",
			"namespace", namespace, "tag", tag)
	}

	digest, size, err := c.UploadManifest(ctx, namespace, m)
	if err != nil {
		return Uploaded, err
	}
	log.Debug("Manifest uploaded", "namespace", namespace, "digest", digest)

	desc := oci.ManifestDescriptor{
		MediaType: oci.MediaTypeManifest,
		Digest:    "sha256:" + digest,
		Size:      size,
		Platform:  platform,
	}

	index := oci.NewIndex(oci.Annotations{
		Title:       m.Annotations[oci.AnnotationTitle],
		Version:     m.Annotations[oci.AnnotationVersion],
		SourceURL:   m.Annotations[oci.AnnotationSource],
		Description: m.Annotations[oci.AnnotationDescription],
	}, append(others, desc))

	data, err := index.Encode()
	if err != nil {
		return Uploaded, err
	}
	if err := c.PutManifest(ctx, namespace, tag, data, oci.MediaTypeIndex); err != nil {
		return Uploaded, err
	}
	log.Debug("Index uploaded", "namespace", namespace, "tag", tag)

	return Uploaded, nil
}

// do issues a request against a registry-relative path.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType == "" {
		contentType = oci.MediaTypeBytes
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", strings.Join([]string{
		oci.MediaTypeIndex,
		oci.MediaTypeConfig,
		oci.MediaTypeManifest,
	}, ","))
}

// resolve makes a possibly-relative upload location absolute.
func (c *Client) resolve(location string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("registry returned a bad upload location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) statusError(resp *http.Response, format string, args ...any) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf(format+": status %d: %s", append(args, resp.StatusCode, strings.TrimSpace(string(body)))...)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
