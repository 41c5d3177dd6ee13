// Package pacman owns the local package database: parsing package archives
// into records and batching add/remove operations against the on-disk
// repository index.
package pacman

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pacdist/pacdist/internal/alpm"
)

// Architectures a package archive may declare.
var validArches = map[string]bool{
	"any":     true,
	"arm64":   true,
	"arm64e":  true,
	"aarch64": true,
	"x86_64":  true,
}

// Package names that contain characters illegal in a registry path segment
// get rewritten through this fixed table; anything else with a '+' is
// rejected outright.
var registryNameReplacements = map[string]string{
	"crypto++":       "cryptopp",
	"libsigc++":      "libsigcpp",
	"libsigc++-docs": "libsigcpp-docs",
}

// Record describes one package tracked by the database. Immutable once parsed.
type Record struct {
	Name    string
	Version alpm.Version
	Arch    string
	SHA256  string
	Size    int64
}

func (r Record) String() string {
	if r.Arch != "" {
		return fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Arch)
	}
	return fmt.Sprintf("%s-%s", r.Name, r.Version)
}

// RegistryName returns the package name rewritten to be legal as a registry
// path segment.
func (r Record) RegistryName() (string, error) {
	if repl, ok := registryNameReplacements[r.Name]; ok {
		return repl, nil
	}
	if strings.ContainsRune(r.Name, '+') {
		return "", fmt.Errorf("package name %q contains invalid character '+'", r.Name)
	}
	return r.Name, nil
}

var pkgSuffixes = []string{".pkg.tar.gz", ".pkg.tar.xz", ".pkg.tar.zst"}

// ParseFilename derives a Record from a package archive path of the form
// $name-[$epoch:]$pkgver-$pkgrel-$arch.pkg.tar.<ext>. The content hash and
// size are supplied by the caller, which has already streamed the file.
func ParseFilename(path string, sha256Hex string, size int64) (Record, error) {
	base := filepath.Base(path)

	stem := ""
	for _, suffix := range pkgSuffixes {
		if strings.HasSuffix(base, suffix) {
			stem = strings.TrimSuffix(base, suffix)
			break
		}
	}
	if stem == "" {
		return Record{}, fmt.Errorf("%q is not a package archive", base)
	}

	// rightmost segment is the arch; the version cannot contain hyphens so
	// the two segments before that are pkgver and pkgrel
	parts := strings.Split(stem, "-")
	if len(parts) < 4 {
		return Record{}, fmt.Errorf("cannot parse package filename %q", base)
	}

	arch := parts[len(parts)-1]
	release := parts[len(parts)-2]
	upstream := parts[len(parts)-3]
	name := strings.Join(parts[:len(parts)-3], "-")

	epoch := 0
	if idx := strings.IndexByte(upstream, ':'); idx >= 0 {
		e, err := strconv.Atoi(upstream[:idx])
		if err != nil {
			return Record{}, fmt.Errorf("invalid epoch in package filename %q", base)
		}
		epoch = e
		upstream = upstream[idx+1:]
	}

	if name == "" || upstream == "" || release == "" {
		return Record{}, fmt.Errorf("cannot parse package filename %q", base)
	}
	if !validArches[arch] {
		return Record{}, fmt.Errorf("package %q has invalid arch %q", name, arch)
	}

	return Record{
		Name:    name,
		Version: alpm.Version{Epoch: epoch, Upstream: upstream, Release: release},
		Arch:    arch,
		SHA256:  sha256Hex,
		Size:    size,
	}, nil
}

// parseDesc reads a repository index `desc` metadata file: %KEY% lines each
// followed by their value.
func parseDesc(r io.Reader) (Record, error) {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(r)
	key := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			key = ""
		case strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%"):
			key = strings.Trim(line, "%")
		case key != "":
			if _, ok := fields[key]; !ok {
				fields[key] = line
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("failed to read desc entry: %w", err)
	}

	for _, required := range []string{"NAME", "VERSION", "ARCH", "SHA256SUM", "CSIZE"} {
		if fields[required] == "" {
			return Record{}, fmt.Errorf("desc entry is missing %%%s%%", required)
		}
	}

	version, err := alpm.Parse(fields["VERSION"])
	if err != nil {
		return Record{}, fmt.Errorf("desc entry for %q: %w", fields["NAME"], err)
	}

	size, err := strconv.ParseInt(fields["CSIZE"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("desc entry for %q has bad CSIZE: %w", fields["NAME"], err)
	}

	return Record{
		Name:    fields["NAME"],
		Version: version,
		Arch:    fields["ARCH"],
		SHA256:  fields["SHA256SUM"],
		Size:    size,
	}, nil
}
