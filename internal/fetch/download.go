// Package fetch downloads release artifacts over HTTP and unpacks them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/imroc/req/v3"

	"github.com/arteranos/loader/internal/utils"
	"github.com/arteranos/loader/internal/version"
)

var ErrHTTPStatus = errors.New("fetch: unexpected http status")

// ProgressFunc receives the bytes written so far and the total, which is -1
// when the server does not announce a length.
type ProgressFunc func(done, total int64)

type Downloader struct {
	client   *req.Client
	interval time.Duration
}

// NewDownloader returns a downloader with retries and the loader user agent.
func NewDownloader() *Downloader {
	return &Downloader{
		client: req.C().
			SetUserAgent(version.UserAgent()).
			SetCommonRetryCount(2).
			SetCommonRetryBackoffInterval(time.Second, 5*time.Second),
		interval: 250 * time.Millisecond,
	}
}

// DownloadToFile streams url into destPath. The file only appears at destPath
// once the transfer completed.
func (d *Downloader) DownloadToFile(ctx context.Context, url, destPath string, progress ProgressFunc) error {
	if err := utils.EnsureParent(destPath); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	partPath := destPath + ".part"
	defer os.Remove(partPath)

	resp, err := d.client.R().
		SetContext(ctx).
		SetOutputFile(partPath).
		SetDownloadCallbackWithInterval(func(info req.DownloadInfo) {
			if progress != nil && info.Response.Response != nil {
				progress(info.DownloadedSize, info.Response.ContentLength)
			}
		}, d.interval).
		Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%w: %s: %s", ErrHTTPStatus, url, resp.Status)
	}

	if err := os.Rename(partPath, destPath); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if progress != nil {
		if info, err := os.Stat(destPath); err == nil {
			progress(info.Size(), info.Size())
		}
	}
	return nil
}
