package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/afero"
)

// LocalFetcher reads payloads from a filesystem. Keys are file paths,
// optionally prefixed with file://.
type LocalFetcher struct {
	fs afero.Fs
}

var _ Fetcher = (*LocalFetcher)(nil)

func NewLocalFetcher(fs afero.Fs) *LocalFetcher {
	return &LocalFetcher{fs: fs}
}

func (l *LocalFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(l.fs, strings.TrimPrefix(key, "file://"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
