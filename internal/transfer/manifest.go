package transfer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length of a blake2b-256 content digest.
const DigestSize = blake2b.Size256

// Entry is one file in a manifest. Path is relative and slash separated.
// Local is the source path on the sending side and never leaves the host.
// A Dir entry is an empty directory: no size, no digest, no chunks.
type Entry struct {
	Path   string `msgpack:"path"`
	Size   int64  `msgpack:"size"`
	Digest []byte `msgpack:"digest"`
	Dir    bool   `msgpack:"dir,omitempty"`
	Local  string `msgpack:"-"`
}

// Manifest is the ordered, immutable list of files in one transfer.
type Manifest struct {
	Entries   []Entry
	ChunkSize int
}

func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// Validate checks that paths are safe and unique, and that sizes and
// digests are well formed. Unsafe paths report ErrUnsafePath, anything
// else ErrInvalidManifest.
func (m *Manifest) Validate() error {
	seen := make(map[string]int, len(m.Entries))
	for i, e := range m.Entries {
		if err := CheckPath(e.Path); err != nil {
			return err
		}
		if prev, dup := seen[e.Path]; dup {
			return fmt.Errorf("%w: entries %d and %d are both %q", ErrInvalidManifest, prev, i, e.Path)
		}
		seen[e.Path] = i

		if e.Dir {
			if e.Size != 0 || len(e.Digest) != 0 {
				return fmt.Errorf("%w: directory %q has content", ErrInvalidManifest, e.Path)
			}
			continue
		}
		if e.Size < 0 {
			return fmt.Errorf("%w: %q has negative size", ErrInvalidManifest, e.Path)
		}
		if len(e.Digest) != DigestSize {
			return fmt.Errorf("%w: %q has a %d byte digest", ErrInvalidManifest, e.Path, len(e.Digest))
		}
	}
	return nil
}

// CheckPath accepts only clean, relative, slash separated paths that stay
// below their root on every platform.
func CheckPath(p string) error {
	unsafe := func(why string) error {
		return fmt.Errorf("%w: %q %s", ErrUnsafePath, p, why)
	}

	switch {
	case p == "" || p == ".":
		return unsafe("is empty")
	case strings.ContainsAny(p, "\\\x00"):
		return unsafe("contains a backslash or NUL")
	case strings.HasPrefix(p, "/") || filepath.VolumeName(p) != "" || (len(p) > 1 && p[1] == ':'):
		return unsafe("is absolute")
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return unsafe("climbs out of the destination")
		}
	}
	if path.Clean(p) != p {
		return unsafe("is not clean")
	}
	return nil
}

// SafeJoin joins a checked manifest path onto root.
func SafeJoin(root, rel string) (string, error) {
	if err := CheckPath(rel); err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))

	back, err := filepath.Rel(root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrUnsafePath, rel, root)
	}
	return full, nil
}

// Digest returns the blake2b-256 digest of data.
func Digest(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}
