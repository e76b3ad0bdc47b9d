package localstore

import (
	"net/url"

	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
)

// Factory builds a file:// backend, suitable for storage.Registry.Register.
func Factory(uri string) (storage.Backend, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "file" {
		return nil, serrs.InvalidArgument.New("localstore: not a file:// URI: %s", uri)
	}
	root := parsed.Path
	if root == "" {
		root = parsed.Opaque
	}
	if root == "" {
		return nil, serrs.InvalidArgument.New("localstore: empty path in URI: %s", uri)
	}
	return New(root, uri), nil
}
