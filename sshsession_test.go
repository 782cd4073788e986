package vmoor

import (
	"crypto/rand"
	"crypto/rsa"
	"io/fs"
	"os"
	"testing"
)

func TestShellQuoteArgv(t *testing.T) {
	got := shellQuoteArgv([]string{"echo", "it's a test"})
	want := `'echo' 'it'\''s a test'`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsZombieMissingPidIsTreatedAsDone(t *testing.T) {
	if !isZombie(-1) {
		t.Error("a pid with no /proc entry should count as already gone")
	}
}

// fakeFileSystem records writes in memory for RotateHostKey-style tests
// without touching a real disk.
type fakeFileSystem struct {
	written map[string][]byte
}

func newFakeFileSystem() *fakeFileSystem {
	return &fakeFileSystem{written: make(map[string][]byte)}
}

func (f *fakeFileSystem) Stat(name string) (fs.FileInfo, error) {
	if _, ok := f.written[name]; ok {
		return nil, nil
	}
	return nil, os.ErrNotExist
}
func (f *fakeFileSystem) ReadFile(name string) ([]byte, error) {
	data, ok := f.written[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
func (f *fakeFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.written[name] = data
	return nil
}
func (f *fakeFileSystem) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (f *fakeFileSystem) Rename(oldpath, newpath string) error { return nil }
func (f *fakeFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	f.written[name] = data
	return nil
}

type fixedKeyGenerator struct {
	key *rsa.PrivateKey
}

func (g fixedKeyGenerator) GenerateKeyPair() (*rsa.PrivateKey, error) {
	return g.key, nil
}

func TestPrivateKeyPEMWritesThroughFileSystem(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}

	ffs := newFakeFileSystem()
	s := &SSHSession{
		home:          "/home/testuser/.containers",
		containerName: "demo",
		fs:            ffs,
		kg:            fixedKeyGenerator{key: key},
	}

	pk, err := s.kg.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pem, err := encodePrivateKeyToPEM(pk)
	if err != nil {
		t.Fatalf("encodePrivateKeyToPEM: %v", err)
	}
	if len(pem) == 0 {
		t.Fatal("expected non-empty PEM output")
	}

	privPath := ContainerPrivateKeyPath(s.home, s.containerName)
	if err := s.fs.SafeWriteFile(privPath, pem, 0o600); err != nil {
		t.Fatalf("SafeWriteFile: %v", err)
	}
	if _, ok := ffs.written[privPath]; !ok {
		t.Errorf("expected private key written to %s", privPath)
	}
}
