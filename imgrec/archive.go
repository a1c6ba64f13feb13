package imgrec

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Tarball packs the folder fldr into <fldr>.tar.gz, with entries relative to
// the folder's parent so the archive unpacks into a folder of the same
// name.  It returns the path of the archive.
func Tarball(fldr string) (string, error) {
	fldr = filepath.Clean(fldr)
	out := fldr + ".tar.gz"
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	parent := filepath.Dir(fldr)
	err = filepath.Walk(fldr, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	for _, c := range []io.Closer{tw, gz, f} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// Cleanup keeps the keep most recently modified scan folders under root
// and deletes the rest, along with every scan tarball except those named in
// spare.  It returns the removed paths.
func Cleanup(root, prefix string, keep int, spare ...string) ([]string, error) {
	spared := make(map[string]bool, len(spare))
	for _, p := range spare {
		spared[filepath.Clean(p)] = true
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	type dir struct {
		path string
		mod  int64
	}
	var (
		dirs    []dir
		removed []string
	)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if !e.IsDir() {
			if strings.HasSuffix(e.Name(), ".tar.gz") && !spared[path] {
				if err := os.Remove(path); err != nil {
					return removed, err
				}
				removed = append(removed, path)
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, err
		}
		dirs = append(dirs, dir{path, info.ModTime().UnixNano()})
	}
	if keep < 0 {
		keep = 0
	}
	if len(dirs) <= keep {
		return removed, nil
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod > dirs[j].mod })
	for _, d := range dirs[keep:] {
		if err := os.RemoveAll(d.path); err != nil {
			return removed, err
		}
		removed = append(removed, d.path)
	}
	return removed, nil
}
