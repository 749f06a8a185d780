package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/NoelleStern/Tappi-share/internal/transfer"
)

// FileInfo holds information about a file to be sent
type FileInfo struct {
	// Path is the manifest path, relative and slash separated
	Path string

	// Name is the filename (without directory)
	Name string

	// Size is the file size in bytes
	Size int64

	// Type is the MIME type of the file (e.g., "application/pdf", "text/plain")
	Type string
}

// DirType is the FileInfo type of an empty directory.
const DirType = "directory"

type Options struct {
	ChunkSize int

	// IgnoreEmpty leaves empty directories out of the manifest.
	IgnoreEmpty bool
}

// BuildManifest turns command line arguments into a fully digested manifest.
// Each argument is a file or a directory; directories are walked and their
// entries are rooted at the directory's base name. Empty directories become
// directory entries unless opts.IgnoreEmpty is set.
func BuildManifest(args []string, opts Options) (*transfer.Manifest, []FileInfo, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no files specified")
	}

	b := &builder{seen: make(map[string]string), ignoreEmpty: opts.IgnoreEmpty}
	var problems []string

	for _, arg := range args {
		if err := b.add(arg); err != nil {
			problems = append(problems, err.Error())
		}
	}

	// If any argument failed, return all errors
	if len(problems) > 0 {
		return nil, nil, fmt.Errorf("file validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	if len(b.entries) == 0 {
		return nil, nil, fmt.Errorf("nothing to send in %s", strings.Join(args, ", "))
	}

	m := &transfer.Manifest{Entries: b.entries, ChunkSize: opts.ChunkSize}
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	return m, b.infos, nil
}

type builder struct {
	entries     []transfer.Entry
	infos       []FileInfo
	seen        map[string]string
	ignoreEmpty bool
}

func (b *builder) add(arg string) error {
	absPath, err := filepath.Abs(arg)
	if err != nil {
		return fmt.Errorf("%s: failed to get absolute path: %w", arg, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file does not exist", arg)
		}
		return fmt.Errorf("%s: failed to stat file: %w", arg, err)
	}

	base := filepath.Base(absPath)
	if !stat.IsDir() {
		return b.addFile(absPath, base)
	}

	return filepath.WalkDir(absPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		rel, err := filepath.Rel(absPath, p)
		if err != nil {
			return err
		}
		rel = path.Join(base, filepath.ToSlash(rel))

		if d.IsDir() {
			if b.ignoreEmpty {
				return nil
			}
			return b.addDirIfEmpty(p, rel)
		}
		if !d.Type().IsRegular() {
			logrus.WithField("path", p).Warn("Skipping non-regular file")
			return nil
		}
		return b.addFile(p, rel)
	})
}

func (b *builder) addDirIfEmpty(local, rel string) error {
	children, err := os.ReadDir(local)
	if err != nil {
		return fmt.Errorf("%s: %w", local, err)
	}
	if len(children) > 0 {
		return nil
	}
	if prev, ok := b.seen[rel]; ok {
		return fmt.Errorf("%s: duplicate of %s as %q", local, prev, rel)
	}

	b.seen[rel] = local
	b.entries = append(b.entries, transfer.Entry{Path: rel, Dir: true, Local: local})
	b.infos = append(b.infos, FileInfo{Path: rel, Name: path.Base(rel), Type: DirType})
	return nil
}

func (b *builder) addFile(local, rel string) error {
	if prev, ok := b.seen[rel]; ok {
		return fmt.Errorf("%s: duplicate of %s as %q", local, prev, rel)
	}

	info, err := os.Lstat(local)
	if err != nil {
		return fmt.Errorf("%s: failed to stat file: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		// Arguments named on the command line may be symlinks to files.
		if info, err = os.Stat(local); err != nil || !info.Mode().IsRegular() {
			logrus.WithField("path", local).Warn("Skipping non-regular file")
			return nil
		}
	}

	digest, size, err := digestFile(local)
	if err != nil {
		return fmt.Errorf("%s: cannot read file (check permissions): %w", local, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(local))
	if mimeType == "" {
		// Default to binary if unknown
		mimeType = "application/octet-stream"
	}

	b.seen[rel] = local
	b.entries = append(b.entries, transfer.Entry{Path: rel, Size: size, Digest: digest, Local: local})
	b.infos = append(b.infos, FileInfo{Path: rel, Name: path.Base(rel), Size: size, Type: mimeType})
	return nil
}

func digestFile(name string) ([]byte, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, errors.Join(transfer.ErrSourceReadError, err)
	}
	return h.Sum(nil), n, nil
}

// GetTotalSize returns the total size of all files
func GetTotalSize(fileInfos []FileInfo) int64 {
	var total int64
	for _, file := range fileInfos {
		total += file.Size
	}
	return total
}
