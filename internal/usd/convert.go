package usd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single usdcat run.
const DefaultTimeout = 2 * time.Minute

// ConverterConfig holds configuration for the usdcat converter.
type ConverterConfig struct {
	// UsdcatPath is the usdcat executable. Found on PATH when empty.
	UsdcatPath string

	// Timeout bounds each conversion. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger for conversion logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Converter converts between crate and ASCII USD by shelling out to usdcat.
type Converter struct {
	usdcat  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewConverter creates a converter. A missing usdcat is not an error until a
// conversion is attempted.
func NewConverter(cfg ConverterConfig) *Converter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	path := cfg.UsdcatPath
	if path == "" {
		path = FindUsdcat()
	}
	return &Converter{usdcat: path, timeout: timeout, logger: logger}
}

// FindUsdcat locates the usdcat executable.
func FindUsdcat() string {
	paths := []string{"usdcat"}
	if root := os.Getenv("USD_INSTALL_ROOT"); root != "" {
		paths = append(paths, filepath.Join(root, "bin", "usdcat"))
	}
	paths = append(paths, "/usr/local/bin/usdcat", "/opt/USD/bin/usdcat")

	for _, p := range paths {
		if path, err := exec.LookPath(p); err == nil {
			return path
		}
	}
	return ""
}

// Available reports whether a usdcat executable was found.
func (c *Converter) Available() bool {
	return c != nil && c.usdcat != ""
}

// Cat runs usdcat on input, writing output. The format (usda or usdc) is only
// passed through when output has the ambiguous .usd extension.
func (c *Converter) Cat(ctx context.Context, input, output, format string) error {
	if !c.Available() {
		return ErrUsdcatMissing
	}

	args := []string{input, "-o", output}
	if format != "" && strings.HasSuffix(output, ".usd") {
		args = append(args, "--usdFormat", format)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("running usdcat", "args", args)
	cmd := exec.CommandContext(ctx, c.usdcat, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("convert %s: %w: %s", input, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ToASCII converts the crate layer at path into a temporary .usd file holding
// usda text and returns its name. The caller owns the file.
func (c *Converter) ToASCII(ctx context.Context, path, tmpDir string) (string, error) {
	if !c.Available() {
		return "", ErrUsdcatMissing
	}
	if err := ensureDir(tmpDir); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(tmpDir, "usdmanager_*."+AmbiguousExtensions[0])
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	f.Close()

	if err := c.Cat(ctx, path, name, "usda"); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// ensureDir recreates a temp parent directory that was removed while running.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	return nil
}
