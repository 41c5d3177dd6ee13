package repository

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacdist/pacdist/internal/pacman"
)

// fakeRepoTool emulates repo-add, repo-remove and gpg with an in-memory
// entry set, rewriting the index tar on every call.
type fakeRepoTool struct {
	t       *testing.T
	entries map[string]pacman.Record
	calls   []string
}

func newFakeRepoTool(t *testing.T) *fakeRepoTool {
	return &fakeRepoTool{t: t, entries: make(map[string]pacman.Record)}
}

func (f *fakeRepoTool) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name)

	switch name {
	case "gpg":
		for i, a := range args {
			if a == "--output" && i+1 < len(args) {
				require.NoError(f.t, os.WriteFile(args[i+1], []byte("sig"), 0o644))
			}
		}
		return nil, nil

	case "repo-add":
		dbPath, files := splitRepoArgs(args)
		for _, file := range files {
			st, err := os.Stat(file)
			require.NoError(f.t, err)
			record, err := pacman.ParseFilename(file, fileHash(f.t, file), st.Size())
			require.NoError(f.t, err)
			f.entries[record.Name] = record
		}
		writeIndexTar(f.t, dbPath, f.entries)
		return nil, nil

	case "repo-remove":
		dbPath, names := splitRepoArgs(args)
		for _, n := range names {
			delete(f.entries, n)
		}
		writeIndexTar(f.t, dbPath, f.entries)
		return nil, nil
	}

	return nil, fmt.Errorf("unexpected command %q", name)
}

func splitRepoArgs(args []string) (string, []string) {
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "--") {
		i++
	}
	return args[i], args[i+1:]
}

func fileHash(t *testing.T, file string) string {
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeIndexTar(t *testing.T, dbPath string, entries map[string]pacman.Record) {
	f, err := os.Create(dbPath)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, r := range entries {
		dir := fmt.Sprintf("%s-%s", r.Name, r.Version)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0o755}))

		desc := fmt.Sprintf("%%NAME%%\n%s\n\n%%VERSION%%\n%s\n\n%%ARCH%%\n%s\n\n%%CSIZE%%\n%d\n\n%%SHA256SUM%%\n%s\n",
			r.Name, r.Version, r.Arch, r.Size, r.SHA256)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     dir + "/desc",
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(desc)),
		}))
		_, err = tw.Write([]byte(desc))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

// fakeRegistryHost serves the token endpoint plus the registry subset the
// client uses.
type fakeRegistryHost struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	manifests   map[string]map[string][]byte // namespace -> ref -> bytes
	uploads     int
	failUploads map[string]bool // namespaces whose blob uploads are refused
}

func newFakeRegistryHost() *fakeRegistryHost {
	return &fakeRegistryHost{
		blobs:       make(map[string][]byte),
		manifests:   make(map[string]map[string][]byte),
		failUploads: make(map[string]bool),
	}
}

func (f *fakeRegistryHost) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path == "/token" {
			json.NewEncoder(w).Encode(map[string]string{"token": "fake-token"})
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/v2/")
		switch {
		case strings.HasSuffix(path, "/blobs/uploads/") && r.Method == http.MethodPost:
			if f.failUploads[strings.TrimSuffix(path, "/blobs/uploads/")] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			f.uploads++
			w.Header().Set("Location", fmt.Sprintf("/v2/uploads/%d", f.uploads))
			w.WriteHeader(http.StatusAccepted)

		case strings.HasPrefix(path, "uploads/") && r.Method == http.MethodPut:
			digest := r.URL.Query().Get("digest")
			data, _ := io.ReadAll(r.Body)
			f.blobs[digest] = data
			w.WriteHeader(http.StatusCreated)

		case strings.Contains(path, "/blobs/") && r.Method == http.MethodHead:
			digest := path[strings.LastIndex(path, "/blobs/")+len("/blobs/"):]
			if _, ok := f.blobs[digest]; ok {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case strings.Contains(path, "/blobs/") && r.Method == http.MethodGet:
			digest := path[strings.LastIndex(path, "/blobs/")+len("/blobs/"):]
			if data, ok := f.blobs[digest]; ok {
				w.Write(data)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case strings.HasSuffix(path, "/tags/list") && r.Method == http.MethodGet:
			ns := strings.TrimSuffix(path, "/tags/list")
			tags := []string{}
			for ref := range f.manifests[ns] {
				if !strings.HasPrefix(ref, "sha256:") {
					tags = append(tags, ref)
				}
			}
			sort.Strings(tags)
			json.NewEncoder(w).Encode(map[string]any{"name": ns, "tags": tags})

		case strings.Contains(path, "/manifests/"):
			i := strings.LastIndex(path, "/manifests/")
			ns, ref := path[:i], path[i+len("/manifests/"):]
			switch r.Method {
			case http.MethodPut:
				data, _ := io.ReadAll(r.Body)
				if f.manifests[ns] == nil {
					f.manifests[ns] = make(map[string][]byte)
				}
				f.manifests[ns][ref] = data
				w.WriteHeader(http.StatusCreated)
			case http.MethodGet:
				if data, ok := f.manifests[ns][ref]; ok {
					w.Write(data)
				} else {
					w.WriteHeader(http.StatusNotFound)
				}
			}

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// fakeAssetHost serves the release listing and asset delete/upload paths.
type fakeAssetHost struct {
	mu          sync.Mutex
	releaseName string
	assets      map[string][]byte
	assetIDs    map[string]int64
	nextID      int64
}

func newFakeAssetHost(releaseName string) *fakeAssetHost {
	return &fakeAssetHost{
		releaseName: releaseName,
		assets:      make(map[string][]byte),
		assetIDs:    make(map[string]int64),
		nextID:      1,
	}
}

func (f *fakeAssetHost) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/releases") && r.Method == http.MethodGet:
			type asset struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			}
			var assets []asset
			for name, id := range f.assetIDs {
				assets = append(assets, asset{ID: id, Name: name})
			}
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 7, "name": f.releaseName, "assets": assets},
			})

		case strings.Contains(r.URL.Path, "/releases/assets/") && r.Method == http.MethodDelete:
			idPart := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			for name, id := range f.assetIDs {
				if fmt.Sprint(id) == idPart {
					delete(f.assetIDs, name)
					delete(f.assets, name)
				}
			}
			w.WriteHeader(http.StatusNoContent)

		case strings.Contains(r.URL.Path, "/releases/7/assets") && r.Method == http.MethodPost:
			name := r.URL.Query().Get("name")
			data, _ := io.ReadAll(r.Body)
			f.assets[name] = data
			f.assetIDs[name] = f.nextID
			f.nextID++
			w.WriteHeader(http.StatusCreated)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestRepository(t *testing.T) (*Repository, *fakeRepoTool, *fakeRegistryHost, *fakeAssetHost, string) {
	dir := t.TempDir()
	runner := newFakeRepoTool(t)

	reg := newFakeRegistryHost()
	regServer := httptest.NewServer(reg.handler())
	t.Cleanup(regServer.Close)

	assets := newFakeAssetHost("packages")
	assetServer := httptest.NewServer(assets.handler())
	t.Cleanup(assetServer.Close)

	dbPath := filepath.Join(dir, "core.db")
	writeIndexTar(t, dbPath, nil)

	registryHolder := NewRegistry(regServer.URL, "user-token",
		WithAssetHostOptions(WithAssetEndpoints(assetServer.URL, assetServer.URL)))
	require.NoError(t, registryHolder.AddRepository(context.Background(), "core", "owner/repo", dbPath, "packages", runner))

	repo, ok := registryHolder.Repository("core")
	require.True(t, ok)
	return repo, runner, reg, assets, dir
}

func writePackageFile(t *testing.T, dir, filename, content string) string {
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := writePackageFile(t, dir, "blob", "hello")

	sum := sha256.Sum256([]byte("hello"))
	gotHash, gotSize, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), gotHash)
	assert.Equal(t, int64(5), gotSize)
}

func TestReadChunkSplitsAtLimit(t *testing.T) {
	r := strings.NewReader("abcdefghij")
	scratch := make([]byte, 3)

	first, err := readChunk(r, scratch, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(first))

	second, err := readChunk(r, scratch, 4)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(second))

	third, err := readChunk(r, scratch, 4)
	require.NoError(t, err)
	assert.Equal(t, "ij", string(third))

	last, err := readChunk(r, scratch, 4)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestSyncUploadsPackagesAndDatabase(t *testing.T) {
	repo, runner, reg, assets, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "foo archive bytes")
	added, err := repo.AddPackage(ctx, file, false)
	require.NoError(t, err)
	require.True(t, added)

	require.NoError(t, repo.Sync(ctx, true))

	// package blob is content addressed
	sum := sha256.Sum256([]byte("foo archive bytes"))
	digest := "sha256:" + hex.EncodeToString(sum[:])
	assert.Contains(t, reg.blobs, digest)

	// an index landed on the version tag of the package namespace
	ns := "owner/repo/foo"
	require.Contains(t, reg.manifests, ns)
	assert.Contains(t, reg.manifests[ns], "1.0-1")

	// the rebuilt database and its signature were published
	assert.Contains(t, assets.assets, "core.db")
	assert.Contains(t, assets.assets, "core.db.sig")
	assert.Contains(t, runner.calls, "gpg")
}

func TestSyncWithoutUploadOnlyRebuilds(t *testing.T) {
	repo, _, reg, assets, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "foo-1.0-1-any.pkg.tar.zst", "x")
	_, err := repo.AddPackage(ctx, file, false)
	require.NoError(t, err)

	require.NoError(t, repo.Sync(ctx, false))

	assert.True(t, repo.Database().Contains("foo"))
	assert.Empty(t, reg.manifests)
	assert.Empty(t, assets.assets)
}

func TestSyncNothingStagedSkipsUpload(t *testing.T) {
	repo, _, reg, assets, _ := newTestRepository(t)

	require.NoError(t, repo.Sync(context.Background(), true))
	assert.Empty(t, reg.manifests)
	assert.Empty(t, assets.assets)
}

func TestSyncAggregatesPackageFailures(t *testing.T) {
	repo, _, reg, assets, dir := newTestRepository(t)
	ctx := context.Background()

	good := writePackageFile(t, dir, "foo-1.0-1-any.pkg.tar.zst", "good")
	bad := writePackageFile(t, dir, "bar-1.0-1-any.pkg.tar.zst", "bad")

	_, err := repo.AddPackage(ctx, good, false)
	require.NoError(t, err)
	_, err = repo.AddPackage(ctx, bad, false)
	require.NoError(t, err)

	reg.failUploads["owner/repo/bar"] = true

	err = repo.Sync(ctx, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bar")

	// the failure did not block the other package or the database upload
	assert.Contains(t, reg.manifests, "owner/repo/foo")
	assert.NotContains(t, reg.manifests, "owner/repo/bar")
	assert.Contains(t, assets.assets, "core.db")
}

func TestAddPackageRejectsUnpublishableName(t *testing.T) {
	repo, _, _, _, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "weird+name-1.0-1-any.pkg.tar.zst", "bad")
	added, err := repo.AddPackage(ctx, file, false)
	require.Error(t, err)
	assert.False(t, added)
	assert.Contains(t, err.Error(), "weird+name")

	// nothing reached the on-disk index
	require.NoError(t, repo.Sync(ctx, true))
	assert.False(t, repo.Database().Contains("weird+name"))
}

func TestRepushIdenticalReleaseIsIdempotent(t *testing.T) {
	repo, runner, reg, _, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "same bytes")
	_, err := repo.AddPackage(ctx, file, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	before := len(reg.blobs)

	// stage the same content under a drifted hash claim so it re-syncs
	runner.entries = map[string]pacman.Record{}
	writeIndexTar(t, repo.Database().Path(), nil)
	reloaded, err := pacman.Load(ctx, repo.Database().Path(), runner)
	require.NoError(t, err)
	repo.db = reloaded

	_, err = repo.AddPackage(ctx, file, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	assert.Equal(t, before, len(reg.blobs), "identical content must not create new blobs")
}

func TestPublishedVersions(t *testing.T) {
	repo, _, reg, _, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "foo bytes")
	_, err := repo.AddPackage(ctx, file, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	// a tag whose version carries an epoch, sanitized ':' -> '-'
	reg.manifests["owner/repo/foo"]["2-1.1-1"] = []byte("{}")

	versions, err := repo.PublishedVersions(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.0-1", versions[0].String())
	assert.Equal(t, "2:1.1-1", versions[1].String())
}

func TestDownloadRoundTrip(t *testing.T) {
	repo, _, _, _, dir := newTestRepository(t)
	ctx := context.Background()

	file := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "foo archive bytes")
	_, err := repo.AddPackage(ctx, file, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	dest := t.TempDir()
	path, err := repo.Download(ctx, "foo", "", "", "", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "foo-1.0-1-amd64.pkg.tar.zst"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "foo archive bytes", string(data))
}

func TestDownloadSelectsRequestedVersion(t *testing.T) {
	repo, _, _, _, dir := newTestRepository(t)
	ctx := context.Background()

	old := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "old bytes")
	_, err := repo.AddPackage(ctx, old, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	newer := writePackageFile(t, dir, "foo-2.0-1-x86_64.pkg.tar.zst", "new bytes")
	_, err = repo.AddPackage(ctx, newer, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	dest := t.TempDir()

	// no version selects the newest release
	path, err := repo.Download(ctx, "foo", "", "", "", dest)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(data))

	// a prefix narrows down to the older one
	path, err = repo.Download(ctx, "foo", "1.0", "", "", dest)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old bytes", string(data))

	_, err = repo.Download(ctx, "foo", "9.9", "", "", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no published version")
}

func TestDownloadNarrowsPlatform(t *testing.T) {
	repo, _, _, _, dir := newTestRepository(t)
	ctx := context.Background()

	intel := writePackageFile(t, dir, "foo-1.0-1-x86_64.pkg.tar.zst", "intel bytes")
	_, err := repo.AddPackage(ctx, intel, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	// same version released for a second architecture fills another
	// platform slot in the index
	arm := writePackageFile(t, dir, "foo-1.0-1-aarch64.pkg.tar.zst", "arm bytes")
	_, err = repo.AddPackage(ctx, arm, false)
	require.NoError(t, err)
	require.NoError(t, repo.Sync(ctx, true))

	dest := t.TempDir()

	// two platform slots: the selection must be narrowed
	_, err = repo.Download(ctx, "foo", "1.0-1", "", "", dest)
	require.Error(t, err)

	path, err := repo.Download(ctx, "foo", "1.0-1", "darwin", "arm64", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "foo-1.0-1-arm64.pkg.tar.zst"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "arm bytes", string(data))

	path, err = repo.Download(ctx, "foo", "1.0-1", "darwin", "amd64", dest)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "intel bytes", string(data))
}

func TestDownloadUnknownPackage(t *testing.T) {
	repo, _, _, _, _ := newTestRepository(t)

	_, err := repo.Download(context.Background(), "ghost", "", "", "", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no published versions")
}

func TestDefaultRepository(t *testing.T) {
	repo, _, _, _, _ := newTestRepository(t)

	name, ok := repo.registry.DefaultRepository()
	require.True(t, ok)
	assert.Equal(t, "core", name)

	// duplicate registration is rejected
	err := repo.registry.AddRepository(context.Background(), "core", "owner/repo", repo.Database().Path(), "packages", newFakeRepoTool(t))
	require.Error(t, err)
}
