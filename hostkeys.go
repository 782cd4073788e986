package vmoor

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// FileSystem abstracts the handful of os/io operations rotate_host_key and
// its callers need, so the key-rotation path can be exercised with a fake
// in tests without touching a real disk.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	TempFile(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem is the production FileSystem, backed directly by os.
type RealFileSystem struct{}

func (RealFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (RealFileSystem) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (RealFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (RealFileSystem) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (RealFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// SafeWriteFile writes data to a temp file in the target's directory,
// syncs it, backs up any existing file at name, then renames the temp
// file into place. A key file is never left half-written by a crash
// mid-write.
func (fsys RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := fsys.TempFile(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if _, err := fsys.Stat(name); err == nil {
		backup := name + ".bak"
		_ = os.Remove(backup)
		if err := fsys.Rename(name, backup); err != nil {
			return fmt.Errorf("backing up %s: %w", name, err)
		}
	}

	if err := fsys.Rename(tmpName, name); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return os.Chmod(name, perm)
}

// KeyGenerator abstracts RSA key pair generation for testability.
type KeyGenerator interface {
	GenerateKeyPair() (*rsa.PrivateKey, error)
}

// RealKeyGenerator generates 2048-bit RSA key pairs.
type RealKeyGenerator struct{}

func (RealKeyGenerator) GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// encodePrivateKeyToPEM renders an RSA private key as OpenSSH-format PEM,
// the shape sshd and the ssh client both expect for id_rsa files.
func encodePrivateKeyToPEM(key *rsa.PrivateKey) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(key, "vmoor container key")
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}
