// Package cas implements the content-addressed blob store attachments are
// extracted into. Blobs live under <root>/<hh>/<hh>/<64-hex-digest>.bin
// where hh are the leading digest byte pairs; there are no companion
// metadata files. Writes are tmp-then-rename, so concurrent stores of the
// same content are safe and idempotent.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
)

const chunkSize = 1 << 20 // streaming hash buffer

// Store is a content-addressed blob store rooted at a local directory.
type Store struct {
	root   string
	logger *logrus.Logger
}

// DefaultRoot resolves the CAS root directory: NOTES_CAS_ROOT when set,
// else $LOCALAPPDATA/notes_cas, else $HOME/notes_cas.
func DefaultRoot() string {
	if env := os.Getenv("NOTES_CAS_ROOT"); env != "" {
		return env
	}
	if lad := os.Getenv("LOCALAPPDATA"); lad != "" {
		return filepath.Join(lad, "notes_cas")
	}
	home, err := homedir.Dir()
	if err == nil && home != "" {
		return filepath.Join(home, "notes_cas")
	}
	return filepath.Join(os.TempDir(), "notes_cas")
}

// New opens a store at root, creating the directory as needed. An empty
// root selects DefaultRoot. When the root cannot be created, the store
// falls back to a directory under the system temp dir and logs the switch
// once.
func New(root string, logger *logrus.Logger) (*Store, error) {
	if root == "" {
		root = DefaultRoot()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		fallback := filepath.Join(os.TempDir(), "notes_cas")
		if mkErr := os.MkdirAll(fallback, 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create CAS root %s: %w", fallback, mkErr)
		}
		logger.Warnf("CAS root %s not writable, falling back to %s", root, fallback)
		root = fallback
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the effective root directory.
func (s *Store) Root() string {
	return s.root
}

// Put stores the file at localPath and returns its SHA-256 digest, the
// store-relative path (forward slashes) and the byte size. Content already
// present is not copied again.
func (s *Store) Put(localPath string) (digest [sha256.Size]byte, relpath string, size int64, err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return digest, "", 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err = io.CopyBuffer(h, f, make([]byte, chunkSize))
	if err != nil {
		return digest, "", 0, fmt.Errorf("failed to hash %s: %w", localPath, err)
	}
	copy(digest[:], h.Sum(nil))

	hexDigest := hex.EncodeToString(digest[:])
	relpath = path.Join(hexDigest[:2], hexDigest[2:4], hexDigest+".bin")
	dest := filepath.Join(s.root, filepath.FromSlash(relpath))

	if _, statErr := os.Stat(dest); statErr == nil {
		return digest, relpath, size, nil
	}

	if err = os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return digest, "", 0, fmt.Errorf("failed to create CAS bucket: %w", err)
	}

	tmp := dest + ".tmp." + uuid.NewString()
	if err = copyFile(localPath, tmp); err != nil {
		return digest, "", 0, err
	}
	if err = os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return digest, "", 0, fmt.Errorf("failed to finalize CAS blob: %w", err)
	}

	s.logger.Debugf("stored %s (%s)", relpath, humanize.Bytes(uint64(size)))
	return digest, relpath, size, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.CopyBuffer(out, in, make([]byte, chunkSize)); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to flush %s: %w", dst, err)
	}
	return nil
}
