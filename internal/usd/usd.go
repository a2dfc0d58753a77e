// Package usd provides adapters around the USD toolchain: crate detection,
// usdcat conversion and usdz package extraction.
package usd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/usdmanager/usdmanager/internal/types"
)

var (
	// ErrNoDefaultLayer is returned when a usdz package holds no USD layer.
	ErrNoDefaultLayer = errors.New("no default layer in usdz package")

	// ErrAmbiguousLayer is returned when a usdz package holds several candidate layers
	// and none is named defaultLayer.
	ErrAmbiguousLayer = errors.New("ambiguous default layer in usdz package")

	// ErrUsdcatMissing is returned when the usdcat executable cannot be found.
	ErrUsdcatMissing = errors.New("usdcat not found")
)

// File extensions, without the leading dot.
var (
	Extensions          = []string{"usd", "usda", "usdc", "usdz"}
	AmbiguousExtensions = []string{"usd"}
	ASCIIExtensions     = []string{"usda"}
	CrateExtensions     = []string{"usdc"}
	ZipExtensions       = []string{"usdz"}
)

const crateMagic = "PXR-USDC"

// Ext returns the lower-cased extension of path without the leading dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsExtension reports whether ext (no dot, any case) is a USD extension.
func IsExtension(ext string) bool {
	return contains(Extensions, strings.ToLower(ext))
}

// IsCrate reports whether the file at path starts with the USD crate magic bytes.
func IsCrate(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open layer: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(crateMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("read header: %w", err)
	}
	return bytes.Equal(header, []byte(crateMagic)), nil
}

// IsBinary reports whether path names a crate layer, either by its .usdc extension
// or by sniffing the header of an ambiguous .usd file.
func IsBinary(path string) bool {
	ext := Ext(path)
	if contains(CrateExtensions, ext) {
		return true
	}
	if !contains(AmbiguousExtensions, ext) {
		return false
	}
	crate, err := IsCrate(path)
	return err == nil && crate
}

// DetectFormat returns the format of the layer at path.
func DetectFormat(path string) types.Format {
	switch ext := Ext(path); {
	case contains(ZipExtensions, ext):
		return types.FormatUSDZ
	case contains(CrateExtensions, ext):
		return types.FormatUSDC
	case contains(ASCIIExtensions, ext):
		return types.FormatUSDA
	case contains(AmbiguousExtensions, ext):
		if IsBinary(path) {
			return types.FormatUSDC
		}
		return types.FormatUSD
	default:
		return types.FormatNone
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
