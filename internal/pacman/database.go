package pacman

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/pacdist/pacdist/internal/run"
)

const lockPollInterval = 500 * time.Millisecond

var errDatabaseLocked = errors.New("database is locked")

// StagedPackage pairs a newly staged record with the file it came from.
type StagedPackage struct {
	Record Record
	File   string
}

// Database mirrors the on-disk repository index and batches pending add and
// remove operations. Save is the only operation that touches the disk; after
// it succeeds the in-memory state is reloaded from the rebuilt archive.
// Callers must serialize access.
type Database struct {
	path   string
	runner run.Runner

	packages map[string]Record

	removals []Record
	adds     map[string]StagedPackage
	addOrder []string
}

// Load opens the database at path, creating an empty backing archive via
// repo-add if none exists yet.
func Load(ctx context.Context, path string, runner run.Runner) (*Database, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:     abs,
		runner:   runner,
		packages: make(map[string]Record),
		adds:     make(map[string]StagedPackage),
	}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		log.Info("Creating new database", "path", abs)
		if _, err := runner.Run(ctx, "repo-add", "--sign", "--quiet", abs+".tar.zst"); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		return db, nil
	}

	if err := db.reload(); err != nil {
		return nil, err
	}

	log.Info("Loaded database", "path", abs, "packages", len(db.packages))
	return db, nil
}

// Path returns the on-disk location of the index archive.
func (db *Database) Path() string { return db.path }

// Packages returns the current on-disk records, sorted by name.
func (db *Database) Packages() []Record {
	records := make([]Record, 0, len(db.packages))
	for _, r := range db.packages {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Get returns the current record for name, if any.
func (db *Database) Get(name string) (Record, bool) {
	r, ok := db.packages[name]
	return r, ok
}

// Contains reports whether a package is currently in the on-disk index.
func (db *Database) Contains(name string) bool {
	_, ok := db.packages[name]
	return ok
}

// Add stages a package file for addition. The caller supplies the streamed
// content hash and size. A name that cannot be published to the registry is
// rejected here, before the file is signed or the index is touched. A record
// superseded by a strictly newer version is queued for removal; an identical
// copy is a no-op; an older version is rejected unless allowDowngrade is set.
// Returns whether the file was staged.
func (db *Database) Add(ctx context.Context, file string, sha256Hex string, size int64, allowDowngrade bool) (bool, error) {
	if _, err := os.Stat(file); err != nil {
		return false, fmt.Errorf("cannot add package file %q: %w", file, err)
	}

	record, err := ParseFilename(file, sha256Hex, size)
	if err != nil {
		return false, err
	}
	if _, err := record.RegistryName(); err != nil {
		return false, fmt.Errorf("cannot add package %q: %w", record.Name, err)
	}

	if staged, ok := db.adds[record.Name]; ok {
		keep, err := db.shouldAdd(record, staged.Record, allowDowngrade)
		if err != nil || !keep {
			return false, err
		}
		log.Info("Replacing staged package", "name", record.Name, "version", record.Version.String())
	} else if old, ok := db.packages[record.Name]; ok {
		keep, err := db.shouldAdd(record, old, allowDowngrade)
		if err != nil || !keep {
			return false, err
		}
		db.removals = append(db.removals, old)
		log.Info("Superseding package", "name", record.Name, "old", old.Version.String(), "new", record.Version.String())
	} else {
		log.Info("Adding package", "name", record.Name, "version", record.Version.String())
	}

	if err := db.ensureSignature(ctx, file); err != nil {
		return false, err
	}

	if _, ok := db.adds[record.Name]; !ok {
		db.addOrder = append(db.addOrder, record.Name)
	}
	db.adds[record.Name] = StagedPackage{Record: record, File: file}
	return true, nil
}

func (db *Database) shouldAdd(incoming, existing Record, allowDowngrade bool) (bool, error) {
	switch {
	case incoming.Version.Newer(existing.Version):
		return true, nil

	case incoming.Version.Equal(existing.Version):
		if incoming.SHA256 == existing.SHA256 {
			log.Warn("Ignoring package, identical copy in database", "package", incoming.String())
			return false, nil
		}
		// content drift under the same declared version is never silent
		log.Warn("Package has identical version but different hash in database", "package", incoming.String())
		return true, nil

	default:
		if !allowDowngrade {
			log.Warn("Ignoring downgrade",
				"package", incoming.Name,
				"version", incoming.Version.String(),
				"current", existing.Version.String())
			return false, nil
		}
		log.Warn("Downgrading package",
			"package", incoming.Name,
			"version", incoming.Version.String(),
			"current", existing.Version.String())
		return true, nil
	}
}

// Remove queues a removal. Removing a package not present in the index is a
// warning, not an error.
func (db *Database) Remove(record Record) {
	if _, ok := db.packages[record.Name]; !ok {
		log.Warn("Ignoring removal of package not in database", "name", record.Name)
		return
	}
	db.removals = append(db.removals, record)
}

// ensureSignature generates a detached signature next to the package file if
// one does not already exist. A signing failure is fatal to the operation.
func (db *Database) ensureSignature(ctx context.Context, file string) error {
	sig := file + ".sig"
	if _, err := os.Stat(sig); err == nil {
		return nil
	}

	log.Debug("Signing package", "file", file)
	if _, err := db.runner.Run(ctx, "gpg", "--use-agent", "--output", sig, "--detach-sig", file); err != nil {
		return fmt.Errorf("failed to sign package %q: %w", file, err)
	}
	return nil
}

// Save applies queued removals then queued additions through the external
// rebuild tool, reloads the in-memory mirror from the rebuilt archive, and
// returns the staged packages for upstream upload. Returns nil without
// rebuilding when nothing is queued.
func (db *Database) Save(ctx context.Context) ([]StagedPackage, error) {
	if len(db.removals) == 0 && len(db.adds) == 0 {
		return nil, nil
	}

	if err := db.waitForLock(ctx); err != nil {
		return nil, err
	}

	if len(db.removals) > 0 {
		log.Info("Removing packages", "count", len(db.removals))

		args := []string{"--quiet", db.path}
		for _, r := range db.removals {
			args = append(args, r.Name)
		}
		if _, err := db.runner.Run(ctx, "repo-remove", args...); err != nil {
			return nil, fmt.Errorf("failed to remove packages: %w", err)
		}
	}

	staged := make([]StagedPackage, 0, len(db.adds))
	if len(db.adds) > 0 {
		log.Info("Adding packages", "count", len(db.adds))

		args := []string{"--quiet", "--prevent-downgrade", "--sign", db.path}
		for _, name := range db.addOrder {
			args = append(args, db.adds[name].File)
			staged = append(staged, db.adds[name])
		}
		if _, err := db.runner.Run(ctx, "repo-add", args...); err != nil {
			return nil, fmt.Errorf("failed to add packages: %w", err)
		}
	}

	if err := db.reload(); err != nil {
		return nil, err
	}

	log.Info("Updated database on disk", "path", db.path)
	return staged, nil
}

// waitForLock polls until the external advisory lock file disappears.
// The wait is intentionally unbounded; the lock is always eventually
// released by a healthy cooperating process.
func (db *Database) waitForLock(ctx context.Context) error {
	check := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}

		if _, err := os.Stat(db.path + ".lck"); err == nil {
			log.Info("Database is locked, waiting...", "path", db.path)
			return errDatabaseLocked
		}
		return nil
	}

	return backoff.Retry(check, backoff.NewConstantBackOff(lockPollInterval))
}

// reload replaces the in-memory mirror with the on-disk archive contents and
// clears all pending queues.
func (db *Database) reload() error {
	f, err := os.Open(db.path)
	if err != nil {
		return fmt.Errorf("failed to open database %q: %w", db.path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if filepath.Ext(db.path) == ".zst" || fileIsZstd(db.path) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to decompress database %q: %w", db.path, err)
		}
		defer zr.Close()
		reader = zr
	}

	packages := make(map[string]Record)

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read database archive: %w", err)
		}

		// one directory per package, each holding a desc metadata file
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, "/desc") {
			continue
		}

		record, err := parseDesc(tr)
		if err != nil {
			return err
		}
		packages[record.Name] = record
	}

	db.packages = packages
	db.removals = nil
	db.adds = make(map[string]StagedPackage)
	db.addOrder = nil
	return nil
}

// fileIsZstd sniffs the zstd magic for databases whose symlink name hides
// the real compression.
func fileIsZstd(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic == [4]byte{0x28, 0xb5, 0x2f, 0xfd}
}
