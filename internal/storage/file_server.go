package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"

	_ "image/jpeg"
	_ "image/png"
)

// FileServer is the project-scoped file accessor handed to model
// implementations. All paths are relative to the project's own prefix;
// traversal outside of it is rejected.
type FileServer interface {
	GetFile(ctx context.Context, filename string) ([]byte, error)

	GetImage(ctx context.Context, filename string) (image.Image, error)

	PutFile(ctx context.Context, data []byte, filename string) error
}

type projectFileServer struct {
	provider Provider
	bucket   string
	project  string
}

func NewProjectFileServer(provider Provider, bucket, project string) FileServer {
	return &projectFileServer{provider: provider, bucket: bucket, project: project}
}

var ErrUnsafePath = fmt.Errorf("filename escapes project directory")

func (f *projectFileServer) resolve(filename string) (string, error) {
	if strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, "\\") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}
	cleaned := path.Clean(filepathToSlash(filename))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}
	return f.project + "/" + cleaned, nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func (f *projectFileServer) GetFile(ctx context.Context, filename string) ([]byte, error) {
	key, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	return f.provider.GetObject(ctx, f.bucket, key)
}

func (f *projectFileServer) GetImage(ctx context.Context, filename string) (image.Image, error) {
	data, err := f.GetFile(ctx, filename)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filename, err)
	}
	return img, nil
}

func (f *projectFileServer) PutFile(ctx context.Context, data []byte, filename string) error {
	key, err := f.resolve(filename)
	if err != nil {
		return err
	}
	return f.provider.PutObject(ctx, f.bucket, key, bytes.NewReader(data))
}
