// Package bundle streams a VM bundle directory to the registry as a
// sequence of content-addressed blobs: the directory is tarred, compressed,
// split into size-bounded chunks, and pushed by a small pool of upload
// workers fed through a bounded queue.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/pacdist/pacdist/internal/alpm"
	"github.com/pacdist/pacdist/internal/registry"
	"github.com/pacdist/pacdist/pkg/oci"
)

// ManifestName is the registry package name all bundle snapshots publish
// under.
const ManifestName = "macos-sandbox-vm"

const (
	defaultChunkSize  = 512 * 1024 * 1024
	defaultQueueCap   = 20
	defaultWorkers    = 2
	uploadExtraTries  = 2
	uploadRetryPause  = 2 * time.Second
	zstdConcurrency   = 4
	archivePathPrefix = "vm.bundle"
)

// Uploader is the slice of the registry client the pipeline needs.
type Uploader interface {
	Namespace(pkg string) string
	UploadBlob(ctx context.Context, namespace, sha256Hex string, data io.Reader, size int64) (bool, error)
	Upload(ctx context.Context, namespace, tag string, m oci.Manifest, platform *oci.Platform) (registry.UploadResult, error)
}

// Info is the bundle's embedded config.json.
type Info struct {
	OSVersion string `json:"os_ver"`
	Arch      string `json:"arch"`
}

// ReadInfo validates the bundle directory and parses its config.json.
func ReadInfo(dir string) (Info, error) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return Info{}, fmt.Errorf("bundle %q does not exist or is not a directory", dir)
	}

	f, err := os.Open(filepath.Join(dir, "config.json"))
	if err != nil {
		return Info{}, fmt.Errorf("bundle %q does not contain a readable config.json: %w", dir, err)
	}
	defer f.Close()

	var info Info
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("malformed bundle config.json: %w", err)
	}
	if info.OSVersion == "" || info.Arch == "" {
		return Info{}, errors.New("bundle config.json is missing the os_ver or arch key")
	}
	return info, nil
}

// chunk is one compressed, content-addressed piece of the bundle stream.
type chunk struct {
	digest string
	data   []byte
	index  int
}

// Pipeline pushes one bundle directory per Run call. Not safe for
// concurrent use.
type Pipeline struct {
	client    Uploader
	remote    string
	chunkSize int
	queueCap  int
	workers   int

	// shortened by tests
	retryPause time.Duration
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithChunkSize bounds the size of each uploaded blob.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) { p.chunkSize = n }
}

// WithQueueCapacity bounds how many compressed chunks may wait for an
// upload worker before the producer blocks.
func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) { p.queueCap = n }
}

// WithWorkers sets the upload worker count.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// NewPipeline creates a pipeline uploading to the given remote.
func NewPipeline(client Uploader, remote string, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:     client,
		remote:     remote,
		chunkSize:  defaultChunkSize,
		queueCap:   defaultQueueCap,
		workers:    defaultWorkers,
		retryPause: uploadRetryPause,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run tars and compresses the bundle directory, uploads the resulting
// chunks, and finishes by publishing a manifest of all chunks in stream
// order at the snapshot's version tag.
func (p *Pipeline) Run(ctx context.Context, dir string) error {
	info, err := ReadInfo(dir)
	if err != nil {
		return err
	}

	platform, err := registry.PlatformFor(info.Arch)
	if err != nil {
		return err
	}

	namespace := p.client.Namespace(ManifestName)
	log.Info("Compressing bundle", "path", dir, "os", info.OSVersion, "arch", info.Arch)

	queue := make(chan chunk, p.queueCap)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var uploadErrs []error

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range queue {
				// a cancelled run drains the queue without starting
				// new uploads
				if ctx.Err() != nil {
					continue
				}
				if err := p.uploadChunk(ctx, namespace, c); err != nil {
					mu.Lock()
					uploadErrs = append(uploadErrs, err)
					mu.Unlock()
				}
			}
		}()
	}

	blobs, produceErr := p.produce(ctx, dir, queue)
	close(queue)
	wg.Wait()

	if produceErr != nil {
		return fmt.Errorf("bundle upload aborted: %w", produceErr)
	}
	if len(uploadErrs) > 0 {
		return errors.Join(uploadErrs...)
	}

	manifest, err := oci.NewManifest(oci.Annotations{
		Title:     ManifestName,
		Version:   info.OSVersion,
		SourceURL: "https://github.com/" + p.remote,
	}, blobs, nil)
	if err != nil {
		return err
	}

	log.Info("Uploading manifest", "name", ManifestName, "version", info.OSVersion)
	_, err = p.client.Upload(ctx, namespace, alpm.SanitizeTag(info.OSVersion), manifest, platform)
	return err
}

// produce runs the tar and compression stages, feeding the chunk queue.
// Returns the produced blob descriptors in sequence order.
func (p *Pipeline) produce(ctx context.Context, dir string, queue chan<- chunk) ([]oci.Descriptor, error) {
	ch := newChunker(ctx, queue, p.chunkSize)

	enc, err := zstd.NewWriter(ch,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(zstdConcurrency))
	if err != nil {
		return nil, err
	}

	if err := writeArchive(ctx, dir, enc); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := ch.flush(); err != nil {
		return nil, err
	}
	return ch.blobs, nil
}

// writeArchive tars the flat bundle directory in sorted entry order.
func writeArchive(ctx context.Context, dir string, out io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tw := tar.NewWriter(out)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}

		st, err := entry.Info()
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    archivePathPrefix + "/" + entry.Name(),
			Mode:    0o644,
			Size:    st.Size(),
			ModTime: st.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return tw.Close()
}

func (p *Pipeline) uploadChunk(ctx context.Context, namespace string, c chunk) error {
	attempt := 0
	op := func() error {
		attempt++
		log.Debug("Uploading blob", "index", c.index, "digest", c.digest, "attempt", attempt)

		_, err := p.client.UploadBlob(ctx, namespace, c.digest, bytes.NewReader(c.data), int64(len(c.data)))
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryPause), uploadExtraTries)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("blob %d (sha256:%s): %w", c.index, c.digest, err)
	}
	return nil
}

// chunker splits the compressed stream into size-bounded, hashed chunks and
// blocks on the queue when upload throughput lags compression.
type chunker struct {
	ctx   context.Context
	queue chan<- chunk
	limit int

	buf   []byte
	next  int
	blobs []oci.Descriptor
}

func newChunker(ctx context.Context, queue chan<- chunk, limit int) *chunker {
	return &chunker{ctx: ctx, queue: queue, limit: limit}
}

func (c *chunker) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= c.limit {
		if err := c.emit(c.buf[:c.limit]); err != nil {
			return 0, err
		}
		c.buf = c.buf[c.limit:]
	}
	return len(p), nil
}

// flush emits the final partial chunk after the compressor has finished.
func (c *chunker) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	err := c.emit(c.buf)
	c.buf = nil
	return err
}

func (c *chunker) emit(data []byte) error {
	owned := make([]byte, len(data))
	copy(owned, data)

	sum := sha256.Sum256(owned)
	digest := hex.EncodeToString(sum[:])

	select {
	case c.queue <- chunk{digest: digest, data: owned, index: c.next}:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.blobs = append(c.blobs, oci.NewDescriptor(oci.MediaTypeBytes, digest, int64(len(owned))))
	c.next++
	return nil
}
