package story

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

// Source fetches story definitions by story id. A source must return an
// error wrapping storyerrors.ErrStoryNotFound for unknown stories.
type Source interface {
	Fetch(ctx context.Context, storyID string) (*Definition, error)
}

// MemorySource serves definitions held in memory.
type MemorySource struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewMemorySource creates a source holding the given definitions keyed by story id.
func NewMemorySource(defs map[string]*Definition) *MemorySource {
	s := &MemorySource{defs: make(map[string]*Definition, len(defs))}
	for id, def := range defs {
		s.defs[id] = def
	}
	return s
}

// Put adds or replaces a definition.
func (s *MemorySource) Put(storyID string, def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[storyID] = def
}

// Fetch implements Source.
func (s *MemorySource) Fetch(ctx context.Context, storyID string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[storyID]
	if !ok {
		return nil, fmt.Errorf("story %q: %w", storyID, storyerrors.ErrStoryNotFound)
	}
	return def, nil
}

// DirSource reads definitions from files in a directory. A story id maps to
// <dir>/<id>.json, <dir>/<id>.yaml or <dir>/<id>.yml, in that order.
type DirSource struct {
	Dir string
}

var definitionExtensions = []string{".json", ".yaml", ".yml"}

// Fetch implements Source.
func (s DirSource) Fetch(ctx context.Context, storyID string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if storyID == "" || storyID != filepath.Base(storyID) {
		return nil, fmt.Errorf("story %q: invalid story id: %w", storyID, storyerrors.ErrStoryNotFound)
	}
	for _, ext := range definitionExtensions {
		data, err := os.ReadFile(filepath.Join(s.Dir, storyID+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("story %q: read definition: %w", storyID, err)
		}
		return ParseDefinition(storyID, data)
	}
	return nil, fmt.Errorf("story %q: %w", storyID, storyerrors.ErrStoryNotFound)
}

// LoadFile parses a definition file; the story name defaults to the file name
// without its extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	name = name[:len(name)-len(filepath.Ext(name))]
	return ParseDefinition(name, data)
}
