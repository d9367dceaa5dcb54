// Package blob persists the primary channel session directory as a single
// named archive in an external blob store, so a restarted process can
// resume its authenticated session without re-pairing.
package blob

import (
	"context"
	"errors"
)

// ErrAbsent is returned by Download when no archive exists under the name.
var ErrAbsent = errors.New("blob not found")

// Store uploads and downloads session directory archives by name.
type Store interface {
	Upload(ctx context.Context, name string, localDir string) error
	Download(ctx context.Context, name string, localDir string) error
}
