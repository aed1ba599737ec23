package onnx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

// Downloader fetches the model artifact when it is not present on disk.
type Downloader struct {
	client   *resty.Client
	progress io.Writer
}

func NewDownloader(timeout time.Duration, progress io.Writer) *Downloader {
	if progress == nil {
		progress = io.Discard
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &Downloader{client: client, progress: progress}
}

// Ensure leaves an existing file alone and otherwise downloads url to path.
// The file only appears at path once the transfer completed.
func (d *Downloader) Ensure(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat model: %w", err)
	}
	if url == "" {
		return fmt.Errorf("model file %s not found and no model_url configured: %w", path, os.ErrNotExist)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	slog.Info("Downloading model", slog.String("url", url), slog.String("path", path))
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	body := resp.RawBody()
	if body == nil {
		return errors.New("download model: empty response")
	}
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("download model: unexpected status %s", resp.Status())
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.NewOptions64(
		resp.RawResponse.ContentLength,
		progressbar.OptionSetWriter(d.progress),
		progressbar.OptionSetDescription("downloading "+filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	n, err := io.Copy(io.MultiWriter(tmp, bar), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move model into place: %w", err)
	}
	_ = bar.Finish()

	slog.Info("Model downloaded", slog.String("path", path), slog.Int64("bytes", n))
	return nil
}
