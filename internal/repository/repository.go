// Package repository binds the local package database and the registry
// client into one logical package channel, and orchestrates the end-to-end
// sync: rebuild the local index, push package blobs and manifests, then
// publish the index file itself.
package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pacdist/pacdist/internal/pacman"
	"github.com/pacdist/pacdist/internal/registry"
	"github.com/pacdist/pacdist/internal/run"
	"github.com/pacdist/pacdist/pkg/oci"
)

// Package archives larger than this are split into multiple layer blobs.
const maxBlobSize = 500 * 1024 * 1024

// copyChunkSize bounds memory while hashing arbitrarily large archives.
const copyChunkSize = 256 * 1024

// Registry holds the configured repositories of one registry plus the
// per-remote OAuth token cache.
type Registry struct {
	url        string
	userToken  string
	httpClient *http.Client

	repos     map[string]*Repository
	oauths    map[string]string
	assetOpts []AssetHostOption
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryHTTPClient overrides the HTTP client used for registry calls.
func WithRegistryHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithAssetHostOptions forwards options to the release-asset host client of
// every repository.
func WithAssetHostOptions(opts ...AssetHostOption) RegistryOption {
	return func(r *Registry) { r.assetOpts = opts }
}

// NewRegistry creates a Registry client holder for the given registry URL
// and user token.
func NewRegistry(url, userToken string, opts ...RegistryOption) *Registry {
	r := &Registry{
		url:        url,
		userToken:  userToken,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		repos:      make(map[string]*Repository),
		oauths:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// URL returns the registry base URL.
func (r *Registry) URL() string { return r.url }

// UserToken returns the raw user token, used for the release-asset host.
func (r *Registry) UserToken() string { return r.userToken }

// AddRepository loads the database at dbFile and registers a repository
// channel under name.
func (r *Registry) AddRepository(ctx context.Context, name, remote, dbFile, releaseName string, runner run.Runner) error {
	if _, ok := r.repos[name]; ok {
		return fmt.Errorf("duplicate repository %q", name)
	}

	db, err := pacman.Load(ctx, dbFile, runner)
	if err != nil {
		return err
	}

	r.repos[name] = &Repository{
		name:        name,
		remote:      remote,
		releaseName: releaseName,
		db:          db,
		registry:    r,
		runner:      runner,
		assets:      NewAssetHost(r.userToken, r.assetOpts...),
	}
	return nil
}

// Repository returns the channel registered under name.
func (r *Registry) Repository(name string) (*Repository, bool) {
	repo, ok := r.repos[name]
	return repo, ok
}

// DefaultRepository returns the only configured repository, if exactly one
// exists.
func (r *Registry) DefaultRepository() (string, bool) {
	if len(r.repos) != 1 {
		return "", false
	}
	for name := range r.repos {
		return name, true
	}
	return "", false
}

// Client returns a registry client for an arbitrary remote, performing the
// OAuth exchange on first use.
func (r *Registry) Client(ctx context.Context, remote string) (*registry.Client, error) {
	token, err := r.OAuthToken(ctx, remote)
	if err != nil {
		return nil, err
	}
	return registry.NewClient(r.url, remote, token, registry.WithHTTPClient(r.httpClient)), nil
}

// OAuthToken returns the bearer token for remote, exchanging the user token
// on first use and caching it for the process lifetime.
func (r *Registry) OAuthToken(ctx context.Context, remote string) (string, error) {
	if token, ok := r.oauths[remote]; ok {
		return token, nil
	}

	token, err := registry.OAuthToken(ctx, r.httpClient, r.url, remote, r.userToken)
	if err != nil {
		return "", err
	}
	r.oauths[remote] = token
	return token, nil
}

// Repository is one package channel: a local database plus its remote
// registry namespace and the release hosting its index file.
type Repository struct {
	name        string
	remote      string
	releaseName string

	db       *pacman.Database
	registry *Registry
	runner   run.Runner
	assets   *AssetHost
	client   *registry.Client
}

// Name returns the channel name.
func (r *Repository) Name() string { return r.name }

// Remote returns the registry remote this channel publishes to.
func (r *Repository) Remote() string { return r.remote }

// Database exposes the underlying local database.
func (r *Repository) Database() *pacman.Database { return r.db }

// Client returns the registry client for this channel, performing the OAuth
// exchange on first use.
func (r *Repository) Client(ctx context.Context) (*registry.Client, error) {
	if r.client != nil {
		return r.client, nil
	}

	client, err := r.registry.Client(ctx, r.remote)
	if err != nil {
		return nil, err
	}
	r.client = client
	return r.client, nil
}

// AddPackage streams the file in bounded chunks while hashing and stages it
// in the local database.
func (r *Repository) AddPackage(ctx context.Context, file string, allowDowngrade bool) (bool, error) {
	sha256Hex, size, err := hashFile(file)
	if err != nil {
		return false, err
	}
	return r.db.Add(ctx, file, sha256Hex, size, allowDowngrade)
}

// Sync persists the local index, then pushes every newly staged package to
// the registry and finally publishes the rebuilt index file. A failure on
// one package does not block the others; the aggregate error reports all of
// them.
func (r *Repository) Sync(ctx context.Context, upload bool) error {
	updates, err := r.db.Save(ctx)
	if err != nil {
		return err
	}
	if len(updates) == 0 || !upload {
		return nil
	}

	log.Info("Uploading packages", "count", len(updates), "repo", r.name)

	var errs []error
	for _, staged := range updates {
		if err := r.uploadPackage(ctx, staged); err != nil {
			log.Error("Failed to upload package", "package", staged.Record.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", staged.Record.Name, err))
		}
	}

	log.Info("Uploading database", "repo", r.name)
	if err := r.uploadDatabase(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Repository) uploadPackage(ctx context.Context, staged pacman.StagedPackage) error {
	record := staged.Record

	registryName, err := record.RegistryName()
	if err != nil {
		return err
	}

	platform, err := registry.PlatformFor(record.Arch)
	if err != nil {
		return err
	}

	client, err := r.Client(ctx)
	if err != nil {
		return err
	}

	log.Info("Uploading package", "name", record.Name, "version", record.Version.String())

	namespace := client.Namespace(registryName)
	layers, err := r.uploadPackageBlobs(ctx, client, namespace, staged.File)
	if err != nil {
		return err
	}

	manifest, err := oci.NewManifest(oci.Annotations{
		Title:       registryName,
		Version:     record.Version.String(),
		SourceURL:   "https://github.com/" + r.remote,
		Description: record.Name,
	}, layers, nil)
	if err != nil {
		return err
	}

	result, err := client.Upload(ctx, namespace, record.Version.Sanitized(), manifest, platform)
	if err != nil {
		return err
	}
	if result == registry.AlreadyExists {
		log.Info("Package release already on registry", "name", record.Name, "version", record.Version.String())
	}
	return nil
}

// uploadPackageBlobs pushes the archive as one blob per size-bounded chunk
// and returns the layer descriptors in sequence order.
func (r *Repository) uploadPackageBlobs(ctx context.Context, client *registry.Client, namespace, file string) ([]oci.Descriptor, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var layers []oci.Descriptor
	buf := make([]byte, copyChunkSize)

	for {
		chunk, err := readChunk(f, buf, maxBlobSize)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}

		sum := sha256.Sum256(chunk)
		digest := hex.EncodeToString(sum[:])

		if _, err := client.UploadBlob(ctx, namespace, digest, bytes.NewReader(chunk), int64(len(chunk))); err != nil {
			return nil, err
		}
		layers = append(layers, oci.NewDescriptor(oci.MediaTypeBytes, digest, int64(len(chunk))))

		if len(chunk) < maxBlobSize {
			break
		}
	}

	if len(layers) == 0 {
		return nil, fmt.Errorf("package file %q is empty", file)
	}
	return layers, nil
}

// uploadDatabase publishes the index archive and its signature as release
// assets, deleting stale copies first.
func (r *Repository) uploadDatabase(ctx context.Context) error {
	dbFile := r.db.Path()
	sigFile := dbFile + ".sig"

	if _, err := os.Stat(sigFile); errors.Is(err, os.ErrNotExist) {
		log.Info("Signing database", "path", dbFile)
		if _, err := r.runner.Run(ctx, "gpg", "--use-agent", "--output", sigFile, "--detach-sig", dbFile); err != nil {
			return fmt.Errorf("failed to sign database: %w", err)
		}
	}

	release, err := r.assets.FindRelease(ctx, r.remote, r.releaseName)
	if err != nil {
		return err
	}

	dbAsset := r.name + ".db"
	if err := r.assets.ReplaceAsset(ctx, r.remote, release, dbAsset, dbFile); err != nil {
		return err
	}
	if err := r.assets.ReplaceAsset(ctx, r.remote, release, dbAsset+".sig", sigFile); err != nil {
		return err
	}
	return nil
}

// hashFile streams a file through sha256 without buffering it whole.
func hashFile(file string) (string, int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.CopyBuffer(h, f, make([]byte, copyChunkSize))
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %q: %w", file, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// readChunk reads up to max bytes using the scratch buffer.
func readChunk(r io.Reader, scratch []byte, max int) ([]byte, error) {
	var chunk []byte
	for len(chunk) < max {
		want := max - len(chunk)
		if want > len(scratch) {
			want = len(scratch)
		}
		n, err := r.Read(scratch[:want])
		chunk = append(chunk, scratch[:n]...)
		if err == io.EOF {
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return chunk, nil
}
