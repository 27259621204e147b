package scene

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/realitymesh/realitymesh/pkg/source"
)

const fileScheme = "file://"

// ConstructNodeName resolves childPath against the file parentPath it was
// read from. Absolute paths and remote locators are returned unchanged.
func ConstructNodeName(childPath, parentPath string) string {
	if childPath == "" || source.IsRemote(childPath) || strings.HasPrefix(childPath, fileScheme) ||
		filepath.IsAbs(childPath) || strings.HasPrefix(childPath, "/") {
		return childPath
	}

	if source.IsRemote(parentPath) {
		base, err := url.Parse(parentPath)
		if err == nil {
			ref, err := url.Parse(childPath)
			if err == nil {
				return base.ResolveReference(ref).String()
			}
		}
		return path.Join(path.Dir(parentPath), childPath)
	}

	if strings.HasPrefix(parentPath, fileScheme) {
		return fileScheme + filepath.Join(filepath.Dir(strings.TrimPrefix(parentPath, fileScheme)), childPath)
	}
	return filepath.Join(filepath.Dir(parentPath), childPath)
}
