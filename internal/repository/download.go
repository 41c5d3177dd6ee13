package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pacdist/pacdist/internal/alpm"
	"github.com/pacdist/pacdist/internal/pacman"
	"github.com/pacdist/pacdist/internal/registry"
	"github.com/pacdist/pacdist/pkg/oci"
)

// publishedTag pairs a recovered version with the registry tag it came from.
// The two differ whenever the version needed sanitizing.
type publishedTag struct {
	version alpm.Version
	tag     string
}

// publishedTags lists the tags of one package namespace with their versions,
// sorted oldest first. Tags that cannot be mapped back to a version are
// skipped; the sanitization is lossy.
func (r *Repository) publishedTags(ctx context.Context, pkg string) ([]publishedTag, string, error) {
	registryName, err := pacman.Record{Name: pkg}.RegistryName()
	if err != nil {
		return nil, "", err
	}

	client, err := r.Client(ctx)
	if err != nil {
		return nil, "", err
	}
	namespace := client.Namespace(registryName)

	tags, err := client.Tags(ctx, namespace)
	if err != nil {
		return nil, "", err
	}

	published := make([]publishedTag, 0, len(tags))
	for _, tag := range tags {
		v, ok := alpm.RecoverFromTag(tag)
		if !ok {
			log.Warn("Cannot recover version from registry tag", "package", pkg, "tag", tag)
			continue
		}
		published = append(published, publishedTag{version: v, tag: tag})
	}

	sort.Slice(published, func(i, j int) bool { return published[i].version.Older(published[j].version) })
	return published, namespace, nil
}

// PublishedVersions lists the versions of a package already on the registry,
// oldest first.
func (r *Repository) PublishedVersions(ctx context.Context, pkg string) ([]alpm.Version, error) {
	published, _, err := r.publishedTags(ctx, pkg)
	if err != nil {
		return nil, err
	}

	versions := make([]alpm.Version, len(published))
	for i, p := range published {
		versions[i] = p.version
	}
	return versions, nil
}

// Download fetches a published package release from the registry and
// reassembles its layer blobs into a package file under destDir, returning
// the written path. An empty versionSpec selects the newest version;
// otherwise an exact version is tried first, then a prefix match with the
// newest matching version winning. osName and arch narrow the platform when
// a version was released for more than one.
func (r *Repository) Download(ctx context.Context, pkg, versionSpec, osName, arch, destDir string) (string, error) {
	published, namespace, err := r.publishedTags(ctx, pkg)
	if err != nil {
		return "", err
	}
	if len(published) == 0 {
		return "", fmt.Errorf("package %q has no published versions", pkg)
	}

	selected, err := selectVersion(published, versionSpec)
	if err != nil {
		return "", fmt.Errorf("package %q: %w", pkg, err)
	}
	log.Info("Selected version", "package", pkg, "version", selected.version.String(), "tag", selected.tag)

	client, err := r.Client(ctx)
	if err != nil {
		return "", err
	}

	index, err := client.GetIndex(ctx, namespace, selected.tag)
	if err != nil {
		return "", err
	}
	if index == nil {
		return "", fmt.Errorf("no release index at tag %q for package %q", selected.tag, pkg)
	}

	desc, err := selectManifest(index.Manifests, osName, arch)
	if err != nil {
		return "", fmt.Errorf("version %s of %q: %w", selected.version.String(), pkg, err)
	}

	manifest, err := client.GetManifest(ctx, namespace, desc.Digest)
	if err != nil {
		return "", err
	}
	if manifest == nil {
		return "", fmt.Errorf("release manifest %s has gone missing", desc.Digest)
	}

	fileArch := "any"
	if desc.Platform != nil && desc.Platform.Architecture != "" {
		fileArch = desc.Platform.Architecture
	}
	name := manifest.Annotations[oci.AnnotationTitle]
	if name == "" {
		name = pkg
	}

	path := filepath.Join(destDir, fmt.Sprintf("%s-%s-%s.pkg.tar.zst", name, selected.version.String(), fileArch))
	if err := r.fetchLayers(ctx, client, namespace, manifest.Layers, path); err != nil {
		return "", err
	}

	log.Info("Downloaded package", "path", path)
	return path, nil
}

// selectVersion resolves a user-supplied version string against the
// published set: exact match first, then a prefix match, newest winning.
func selectVersion(published []publishedTag, spec string) (publishedTag, error) {
	if spec == "" {
		return published[len(published)-1], nil
	}

	if want, err := alpm.Parse(spec); err == nil {
		for _, p := range published {
			if p.version.Equal(want) {
				return p, nil
			}
		}
	}

	var matches []publishedTag
	for _, p := range published {
		if strings.HasPrefix(p.version.String(), spec) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return publishedTag{}, fmt.Errorf("no published version matches %q", spec)
	}
	return matches[len(matches)-1], nil
}

// selectManifest picks the index entry matching the os/arch narrowing. A
// sole entry is taken as long as the filters do not contradict it; with
// several entries the filters must single one out.
func selectManifest(manifests []oci.ManifestDescriptor, osName, arch string) (oci.ManifestDescriptor, error) {
	if len(manifests) == 0 {
		return oci.ManifestDescriptor{}, fmt.Errorf("release index holds no manifests")
	}

	if len(manifests) == 1 {
		m := manifests[0]
		if osName != "" && (m.Platform == nil || m.Platform.OS != osName) {
			return oci.ManifestDescriptor{}, fmt.Errorf("release does not match os %q", osName)
		}
		if arch != "" && (m.Platform == nil || m.Platform.Architecture != arch) {
			return oci.ManifestDescriptor{}, fmt.Errorf("release does not match arch %q", arch)
		}
		return m, nil
	}

	var candidates []oci.ManifestDescriptor
	for _, m := range manifests {
		if m.Platform != nil {
			if m.Platform.OS != "" && m.Platform.OS != osName {
				continue
			}
			if m.Platform.Architecture != "" && m.Platform.Architecture != arch {
				continue
			}
		}
		candidates = append(candidates, m)
	}

	switch len(candidates) {
	case 0:
		return oci.ManifestDescriptor{}, fmt.Errorf("no release matches the os/arch selection")
	case 1:
		return candidates[0], nil
	default:
		return oci.ManifestDescriptor{}, fmt.Errorf("released for %d platforms, narrow with --os or --arch", len(candidates))
	}
}

// fetchLayers streams the layer blobs in sequence into one file, verifying
// each blob against its declared digest.
func (r *Repository) fetchLayers(ctx context.Context, client *registry.Client, namespace string, layers []oci.Descriptor, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	buf := make([]byte, copyChunkSize)
	for _, layer := range layers {
		if err := r.fetchLayer(ctx, client, namespace, layer, f, buf); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
	}
	return f.Close()
}

func (r *Repository) fetchLayer(ctx context.Context, client *registry.Client, namespace string, layer oci.Descriptor, w io.Writer, buf []byte) error {
	body, err := client.GetBlob(ctx, namespace, layer.SHA256())
	if err != nil {
		return err
	}
	defer body.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(w, io.TeeReader(body, h), buf)
	if err != nil {
		return fmt.Errorf("failed to fetch blob %s: %w", layer.Digest, err)
	}
	if n != layer.Size {
		return fmt.Errorf("blob %s is %d bytes, expected %d", layer.Digest, n, layer.Size)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != layer.SHA256() {
		return fmt.Errorf("blob %s content hashed to sha256:%s", layer.Digest, sum)
	}
	return nil
}
