// Package storage resolves the storage ids carried in task payloads to
// local filesystem paths. The orchestrator never sees real paths; it speaks
// in (storage, path) pairs and each agent maps them through its own prefix
// table.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// ErrUnknownStorage is returned when a task references a storage id the
// agent has no mapping for. The task must fail before any child process is
// launched.
var ErrUnknownStorage = errors.New("storage: unknown storage id")

// Map maps storage ids to absolute local path prefixes.
type Map map[string]string

// ResolveInputs maps every input file to a local path, preserving order.
func (m Map) ResolveInputs(files []protocol.InputFile) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		prefix, ok := m[f.Storage]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, f.Storage)
		}
		paths = append(paths, filepath.Join(prefix, f.Path))
	}
	return paths, nil
}

// ResolveOutput returns a copy of the settings with the path rewritten to a
// local path. The original settings are not modified.
func (m Map) ResolveOutput(settings protocol.OutputSettings) (protocol.OutputSettings, error) {
	prefix, ok := m[settings.Storage()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, settings.Storage())
	}
	return settings.WithPath(filepath.Join(prefix, settings.Path())), nil
}
