package vmoor

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// archiveMembers lists the files an ARCHIVE/INSTALL round-trip carries,
// in the order they're written to the tar stream. A build archive (not
// produced by this daemon, only consumed by INSTALL) may additionally
// carry vmlinuz/initrd.img, which installContainer copies through
// unmodified if present.
var archiveMembers = []string{"config.json", "hdd.qcow2"}

var optionalArchiveMembers = []string{"vmlinuz", "initrd.img"}

// archiveContainer tars a stopped container's config.json and hdd.qcow2
// into destPath. The archive is gzip-compressed when destPath ends in
// .gz or .tgz, plain POSIX tar otherwise.
func archiveContainer(home, name, destPath string) error {
	root := ContainerRoot(home, name)
	if _, err := os.Stat(root); err != nil {
		return &WireError{Keyword: ErrNoSuchContainer}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return &InvalidPathError{Path: destPath}
	}
	defer out.Close()

	var w io.Writer = out
	var gz *gzip.Writer
	if isGzipPath(destPath) {
		gz = gzip.NewWriter(out)
		w = gz
	}

	tw := tar.NewWriter(w)
	for _, member := range archiveMembers {
		if err := addTarMember(tw, root, member); err != nil {
			tw.Close()
			if gz != nil {
				gz.Close()
			}
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

func addTarMember(tw *tar.Writer, root, member string) error {
	path := filepath.Join(root, member)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", member, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = member
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// installContainer untars archivePath into a fresh per-container
// directory, rejecting an existing name outright.
func installContainer(home, name, archivePath string) error {
	root := ContainerRoot(home, name)
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("container %q already exists", name)
	}

	in, err := os.Open(archivePath)
	if err != nil {
		return &InvalidPathError{Path: archivePath}
	}
	defer in.Close()

	var r io.Reader = in
	if isGzipPath(archivePath) {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("opening gzip archive: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(root)
			return fmt.Errorf("reading archive: %w", err)
		}
		if !isAllowedArchiveMember(hdr.Name) {
			continue
		}
		dest := filepath.Join(root, filepath.Base(hdr.Name))
		if err := extractTarFile(tr, dest, hdr.FileInfo().Mode()); err != nil {
			os.RemoveAll(root)
			return err
		}
	}

	if err := normalizeInstalledConfig(root); err != nil {
		os.RemoveAll(root)
		return err
	}
	return nil
}

// normalizeInstalledConfig routes a freshly-installed config.json through
// ParseManifest rather than ParseConfig: an installed archive may be a
// build archive authored as YAML by the external builder and missing a
// password, and ParseManifest is the only parser that auto-generates one.
// The result is re-serialized as JSON so every later load goes through the
// ordinary ParseConfig path with a password already on disk.
func normalizeInstalledConfig(root string) error {
	path := filepath.Join(root, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading installed config: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func extractTarFile(r io.Reader, dest string, mode os.FileMode) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func isAllowedArchiveMember(name string) bool {
	for _, m := range archiveMembers {
		if name == m {
			return true
		}
	}
	for _, m := range optionalArchiveMembers {
		if name == m {
			return true
		}
	}
	return false
}

func isGzipPath(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".gz" || ext == ".tgz"
}
