package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/story"
)

// Downloader reads a blob by path.
type Downloader interface {
	Download(ctx context.Context, blobPath string) ([]byte, error)
}

// BlobSource fetches compiled stories stored as <prefix>/<story>.json,
// .yaml or .yml blobs.
type BlobSource struct {
	blobs  Downloader
	prefix string
}

// NewBlobSource creates a story source reading below prefix.
func NewBlobSource(blobs Downloader, prefix string) *BlobSource {
	return &BlobSource{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

var storyExtensions = []string{".json", ".yaml", ".yml"}

// Fetch implements story.Source.
func (s *BlobSource) Fetch(ctx context.Context, storyID string) (*story.Definition, error) {
	if storyID == "" || strings.ContainsAny(storyID, "/\\") || storyID == "." || storyID == ".." {
		return nil, fmt.Errorf("story %q: invalid story id: %w", storyID, storyerrors.ErrStoryNotFound)
	}
	for _, ext := range storyExtensions {
		data, err := s.blobs.Download(ctx, path.Join(s.prefix, storyID+ext))
		if errors.Is(err, ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("story %q: %w", storyID, err)
		}
		return story.ParseDefinition(storyID, data)
	}
	return nil, fmt.Errorf("story %q: %w", storyID, storyerrors.ErrStoryNotFound)
}
