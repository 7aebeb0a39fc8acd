package backbone

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"
)

// Fetch resolves a backbone source to a local file. A path that already exists
// on disk is returned as-is; anything else is treated as a registry URL and
// downloaded into cacheDir. Failures surface as *LoadError.
func Fetch(ctx context.Context, source, cacheDir string) (string, error) {
	if _, err := os.Stat(source); err == nil {
		return source, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", &LoadError{Source: source, Err: errors.Wrap(err, "creating cache directory")}
	}

	dst := filepath.Join(cacheDir, fetchBaseName(source))
	if _, err := os.Stat(dst); err == nil {
		// Fetched on a previous run.
		return dst, nil
	}

	if err := getter.GetFile(dst, source, getter.WithContext(ctx)); err != nil {
		return "", &LoadError{Source: source, Err: err}
	}

	return dst, nil
}

// fetchBaseName derives a cache file name from a source URL, ignoring query
// parameters registry URLs often carry.
func fetchBaseName(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		return filepath.Base(u.Path)
	}
	return filepath.Base(source)
}
