// Writes files so that an observer only ever sees the old complete file or the new complete
// file, never a partially written one or one with the wrong permissions.
package atomicpublish

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/logex"
)

type Kind int

const (
	Certificate Kind = iota // world-readable (also used for chains and CRL caches)
	PrivateKey              // owner read/write only
)

func (k Kind) Mode() os.FileMode {
	switch k {
	case PrivateKey:
		return 0600
	default:
		return 0644
	}
}

func (k Kind) String() string {
	switch k {
	case PrivateKey:
		return "private key"
	default:
		return "certificate"
	}
}

type Publisher struct {
	logl *logex.Leveled

	// seams for simulating crashes in tests
	rename       func(oldpath string, newpath string) error
	beforeRename func(tempPath string) error
}

func New(logger *log.Logger) *Publisher {
	return &Publisher{
		logl:   logex.Levels(logger),
		rename: os.Rename,
	}
}

// Publish atomically replaces path with content. Returns changed=false (and writes nothing)
// if the destination already has identical content and the correct mode.
func (p *Publisher) Publish(path string, content []byte, kind Kind) (bool, error) {
	mode := kind.Mode()

	if alreadyPublished(path, content, mode) {
		p.logl.Debug.Printf("unchanged %s %s", kind, path)
		return false, nil
	}

	dir := filepath.Dir(path)

	// temp file in the same directory, so the rename stays within one filesystem.
	// CreateTemp() creates with 0600, so a key is never momentarily world-readable.
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", path, err)
	}
	tempPath := tempFile.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tempPath)
		}
	}()

	if err := writeAndSync(tempFile, content, mode); err != nil {
		return false, fmt.Errorf("publish %s: %w", path, err)
	}

	if p.beforeRename != nil {
		if err := p.beforeRename(tempPath); err != nil {
			return false, fmt.Errorf("publish %s: %w", path, err)
		}
	}

	if err := p.rename(tempPath, path); err != nil {
		return false, fmt.Errorf("publish %s: rename: %w", path, err)
	}
	committed = true

	// makes the rename itself durable. not fatal: the file is already in place
	if err := syncDir(dir); err != nil {
		p.logl.Error.Printf("sync dir %s: %v", dir, err)
	}

	p.logl.Debug.Printf("published %s %s (%d bytes)", kind, path, len(content))

	return true, nil
}

func writeAndSync(file *os.File, content []byte, mode os.FileMode) error {
	if _, err := file.Write(content); err != nil {
		file.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync: %w", err)
	}

	// chmod is not subject to umask
	if err := file.Chmod(mode); err != nil {
		file.Close()
		return fmt.Errorf("chmod: %w", err)
	}

	return file.Close()
}

func alreadyPublished(path string, content []byte, mode os.FileMode) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm() != mode {
		return false
	}

	if info.Size() != int64(len(content)) {
		return false
	}

	existing, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	return bytes.Equal(existing, content)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
