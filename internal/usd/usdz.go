package usd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zip"
)

// ErrLayerNotFound is returned when an explicitly requested usdz layer is absent.
var ErrLayerNotFound = errors.New("layer not found in usdz package")

// DefaultLayerName is the conventional root layer of a usdz package.
const DefaultLayerName = "defaultLayer.usd"

// Unzip extracts the usdz package at path into a new directory under tmpDir and
// returns the directory.
func Unzip(path, tmpDir string) (string, error) {
	if err := ensureDir(tmpDir); err != nil {
		return "", err
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open usdz: %w", err)
	}
	defer r.Close()

	dest, err := os.MkdirTemp(tmpDir, "usdmanager_usdz_")
	if err != nil {
		return "", fmt.Errorf("create usdz dir: %w", err)
	}

	for _, f := range r.File {
		if err := extract(f, dest); err != nil {
			os.RemoveAll(dest)
			return "", err
		}
	}
	return dest, nil
}

func extract(f *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(f.Name))
	if target != dest && !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return fmt.Errorf("extract %s: entry escapes package", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

// FirstLayer returns the name of the first USD entry stored in the usdz package.
// By convention that entry is the package's root layer.
func FirstLayer(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open usdz: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if ext := Ext(f.Name); IsExtension(ext) && !contains(ZipExtensions, ext) {
			return f.Name, nil
		}
	}
	return "", ErrNoDefaultLayer
}

// DefaultLayer picks the layer to open from an extracted usdz directory.
//
// An explicit layer must exist. Otherwise defaultLayer.usd is used, then the only
// usd/usda/usdc file at the top level.
func DefaultLayer(dir, layer string) (string, error) {
	if layer != "" {
		dest := filepath.Join(dir, filepath.FromSlash(layer))
		if _, err := os.Stat(dest); err != nil {
			return "", fmt.Errorf("%w: %s", ErrLayerNotFound, layer)
		}
		return dest, nil
	}

	dest := filepath.Join(dir, DefaultLayerName)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	var files []string
	for _, exts := range [][]string{AmbiguousExtensions, ASCIIExtensions, CrateExtensions} {
		for _, ext := range exts {
			matches, err := doublestar.FilepathGlob(filepath.Join(dir, "*."+ext))
			if err != nil {
				return "", fmt.Errorf("list layers: %w", err)
			}
			files = append(files, matches...)
		}
	}

	switch len(files) {
	case 0:
		return "", ErrNoDefaultLayer
	case 1:
		return files[0], nil
	default:
		return "", ErrAmbiguousLayer
	}
}
