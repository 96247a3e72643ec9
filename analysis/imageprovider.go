package analysis

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const fileScheme = "file://"

// ImageProvider resolves the submission's image input to a local file
// path. The input may be a plain path, a file:// URL, or a remote http(s)
// URL that is downloaded to a temporary location first. Downloads use
// automatic retry logic via the filedownloader package.
type ImageProvider interface {
	LocalPath(ctx context.Context, path string) (string, error)
}

type imageProvider struct {
	downloader   filedownloader.Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewImageProvider ...
func NewImageProvider(logger log.Logger) ImageProvider {
	return &imageProvider{
		downloader:   filedownloader.NewDownloader(logger),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
	}
}

// LocalPath returns the local file path for the given image input.
func (p *imageProvider) LocalPath(ctx context.Context, path string) (string, error) {
	if strings.HasPrefix(path, fileScheme) {
		return p.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return p.downloadToLocalPath(ctx, path)
	}

	return p.pathModifier.AbsPath(path)
}

func (p *imageProvider) downloadToLocalPath(ctx context.Context, urlPath string) (string, error) {
	tmpDir, err := p.pathProvider.CreateTempDir("analysis-image")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := p.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download image from %s: %w", urlPath, err)
	}

	return localPath, nil
}

func fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	return filepath.Base(parsedURL.Path), nil
}
