// Package oci defines the typed manifest and index structures exchanged with
// an OCI Distribution registry, plus the annotation vocabulary used to carry
// package metadata on them.
package oci

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Media types for the manifest surface.
const (
	MediaTypeManifest = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeIndex    = "application/vnd.oci.image.index.v1+json"
	MediaTypeConfig   = "application/vnd.oci.image.config.v1+json"
	MediaTypeBytes    = "application/octet-stream"
)

// Annotation keys attached to manifests and indexes.
const (
	AnnotationTitle       = "org.opencontainers.image.title"
	AnnotationVersion     = "org.opencontainers.image.version"
	AnnotationSource      = "org.opencontainers.image.source"
	AnnotationDescription = "org.opencontainers.image.description"
)

const schemaVersion = 2

// Descriptor is a content descriptor: a digest plus its media type and size.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// NewDescriptor builds a Descriptor from a bare sha256 hex digest.
func NewDescriptor(mediaType, sha256Hex string, size int64) Descriptor {
	return Descriptor{
		MediaType: mediaType,
		Digest:    "sha256:" + sha256Hex,
		Size:      size,
	}
}

// SHA256 returns the bare hex digest without the algorithm prefix.
func (d Descriptor) SHA256() string {
	if len(d.Digest) > 7 && d.Digest[:7] == "sha256:" {
		return d.Digest[7:]
	}
	return d.Digest
}

// Platform identifies the os/architecture pair a manifest was built for.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

// Manifest is a single-platform release descriptor. The config descriptor
// and the first layer both point at the package blob; there is no separate
// config payload.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
}

// ManifestDescriptor references one Manifest from an Index, optionally
// constrained to a platform.
type ManifestDescriptor struct {
	MediaType string    `json:"mediaType"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size,omitempty"`
	Platform  *Platform `json:"platform,omitempty"`
}

// Index is a multi-platform release descriptor, retrievable by tag.
type Index struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Annotations   map[string]string    `json:"annotations,omitempty"`
	Manifests     []ManifestDescriptor `json:"manifests"`
}

// Annotation metadata shared by manifests and indexes.
type Annotations struct {
	Title       string
	Version     string
	SourceURL   string
	Description string
}

func (a Annotations) toMap() map[string]string {
	m := map[string]string{
		AnnotationTitle:   a.Title,
		AnnotationVersion: a.Version,
		AnnotationSource:  a.SourceURL,
	}
	if a.Description != "" {
		m[AnnotationDescription] = a.Description
	}
	return m
}

// NewManifest builds a Manifest over the given layer blobs. The config
// descriptor aliases the first layer unless cfg is non-nil.
func NewManifest(annot Annotations, layers []Descriptor, cfg *Descriptor) (Manifest, error) {
	if len(layers) == 0 && cfg == nil {
		return Manifest{}, fmt.Errorf("manifest %q has no layers", annot.Title)
	}

	var config Descriptor
	if cfg != nil {
		config = *cfg
	} else {
		config = layers[0]
	}
	config.MediaType = MediaTypeConfig

	if annot.Description == "" {
		annot.Description = fmt.Sprintf("%s %s", annot.Title, annot.Version)
	}

	return Manifest{
		SchemaVersion: schemaVersion,
		MediaType:     MediaTypeManifest,
		Annotations:   annot.toMap(),
		Config:        config,
		Layers:        layers,
	}, nil
}

// NewIndex builds an Index over the given manifest descriptors.
func NewIndex(annot Annotations, manifests []ManifestDescriptor) Index {
	return Index{
		SchemaVersion: schemaVersion,
		MediaType:     MediaTypeIndex,
		Annotations:   annot.toMap(),
		Manifests:     manifests,
	}
}

// Encode serializes the manifest and returns the bytes together with their
// sha256 digest, which is also the manifest's content-addressed reference.
func (m Manifest) Encode() ([]byte, string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Encode serializes the index.
func (ix Index) Encode() ([]byte, error) {
	data, err := json.Marshal(ix)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	return data, nil
}

// IntegrityError reports a malformed or unexpected registry payload.
type IntegrityError struct {
	What   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.What, e.Detail)
}

// ParseManifest decodes and validates a manifest payload.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, &IntegrityError{What: "manifest", Detail: err.Error()}
	}
	if m.SchemaVersion != schemaVersion {
		return Manifest{}, &IntegrityError{What: "manifest", Detail: fmt.Sprintf("schemaVersion %d", m.SchemaVersion)}
	}
	if m.MediaType != MediaTypeManifest {
		return Manifest{}, &IntegrityError{What: "manifest", Detail: "mediaType " + m.MediaType}
	}
	if m.Config.Digest == "" {
		return Manifest{}, &IntegrityError{What: "manifest", Detail: "missing config digest"}
	}
	return m, nil
}

// ParseIndex decodes and validates an index payload. Duplicate manifest
// digests are dropped, keeping the first occurrence.
func ParseIndex(data []byte) (Index, error) {
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return Index{}, &IntegrityError{What: "index", Detail: err.Error()}
	}
	if ix.SchemaVersion != schemaVersion {
		return Index{}, &IntegrityError{What: "index", Detail: fmt.Sprintf("schemaVersion %d", ix.SchemaVersion)}
	}
	if ix.MediaType != MediaTypeIndex {
		return Index{}, &IntegrityError{What: "index", Detail: "mediaType " + ix.MediaType}
	}

	seen := make(map[string]bool, len(ix.Manifests))
	deduped := ix.Manifests[:0]
	for _, m := range ix.Manifests {
		if seen[m.Digest] {
			continue
		}
		seen[m.Digest] = true
		deduped = append(deduped, m)
	}
	ix.Manifests = deduped

	return ix, nil
}
