package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Archiver copies a provider-hosted recording somewhere durable and returns
// the URL that should be stored on the call record.
type Archiver interface {
	Archive(ctx context.Context, callKey, sourceURL string) (string, error)
}

var safeKey = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func objectName(callKey string) string {
	return safeKey.ReplaceAllString(callKey, "_") + ".mp3"
}

// ProviderURLDriver keeps the provider's own URL.
type ProviderURLDriver struct{}

func (ProviderURLDriver) Archive(_ context.Context, _ string, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", fmt.Errorf("recording url is required")
	}
	return sourceURL, nil
}

type LocalDriver struct {
	basePath string
	client   *http.Client
}

func NewLocalDriver(basePath string) *LocalDriver {
	if basePath == "" {
		basePath = "/data/recordings"
	}
	return &LocalDriver{basePath: basePath, client: &http.Client{Timeout: 2 * time.Minute}}
}

func (d *LocalDriver) Archive(ctx context.Context, callKey, sourceURL string) (string, error) {
	if callKey == "" || sourceURL == "" {
		return "", fmt.Errorf("call key and recording url are required")
	}
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}

	body, err := download(ctx, d.client, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	name := objectName(callKey)
	tmp, err := os.CreateTemp(d.basePath, name+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	// Rename keeps redelivered webhooks from exposing half-written files.
	if err := os.Rename(tmp.Name(), filepath.Join(d.basePath, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}

	return "/recordings/" + name, nil
}

func download(ctx context.Context, client *http.Client, sourceURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download recording: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to download recording: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

type Options struct {
	LocalPath string
	S3Bucket  string
	S3Region  string
}

func NewArchiver(driver string, opts Options) (Archiver, error) {
	switch strings.ToLower(driver) {
	case "", "provider-url":
		return ProviderURLDriver{}, nil
	case "local":
		return NewLocalDriver(opts.LocalPath), nil
	case "s3":
		return NewS3Driver(opts.S3Bucket, opts.S3Region)
	default:
		return nil, fmt.Errorf("unknown recording driver: %s", driver)
	}
}
