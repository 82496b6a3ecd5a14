package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terarelay/terarelay/internal/telegram"
)

// Sentinel errors for transfer failures.
var (
	// ErrFileTooLarge means the payload exceeds the configured ceiling.
	// Detected from Content-Length when present, otherwise mid-stream.
	ErrFileTooLarge = errors.New("file exceeds size limit")
	// ErrSourceUnavailable means the signed download URL did not serve the file.
	ErrSourceUnavailable = errors.New("download source unavailable")
	// ErrEmptyFile means the source served a zero-byte body.
	ErrEmptyFile = errors.New("downloaded file is empty")
)

// videoExtensions decides whether a file uploads as an inline-playable video.
var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true,
	".mov": true, ".wmv": true, ".flv": true,
	".webm": true, ".m4v": true, ".3gp": true,
}

// IsVideoFile reports whether filename has a video extension.
func IsVideoFile(filename string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// FormatSize renders a byte count in human readable form.
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGT"[exp])
}

// Pipeline downloads files to local temp storage and hands them to a sink.
type Pipeline struct {
	client          *http.Client
	sink            telegram.Sink
	tempDir         string
	maxFileSize     int64
	downloadTimeout time.Duration
}

// NewPipeline creates a transfer pipeline. Downloads are bounded by
// downloadTimeout end to end; the sink applies its own upload timeout.
func NewPipeline(sink telegram.Sink, tempDir string, maxFileSize int64, downloadTimeout time.Duration) *Pipeline {
	return &Pipeline{
		client:          &http.Client{},
		sink:            sink,
		tempDir:         tempDir,
		maxFileSize:     maxFileSize,
		downloadTimeout: downloadTimeout,
	}
}

// Fetch streams url into a temp file and returns its path with a cleanup
// func. The temp file is removed on every error path; progress, when
// non-nil, receives the running byte count. bytesDone reports how far the
// transfer got even when the fetch fails.
func (p *Pipeline) Fetch(ctx context.Context, url, filename string, progress func(int64)) (path string, cleanup func(), bytesDone int64, err error) {
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return "", nil, 0, fmt.Errorf("creating temp dir: %w", err)
	}

	fetchCtx := ctx
	if p.downloadTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.downloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, 0, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > p.maxFileSize {
		return "", nil, 0, fmt.Errorf("%w: %s declared", ErrFileTooLarge, FormatSize(resp.ContentLength))
	}

	path = filepath.Join(p.tempDir, tempFilename(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", nil, 0, fmt.Errorf("creating temp file: %w", err)
	}
	remove := func() { os.Remove(path) }

	bytesDone, err = copyBounded(f, resp.Body, p.maxFileSize, progress)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing temp file: %w", closeErr)
	}
	if err != nil {
		remove()
		return "", nil, bytesDone, err
	}
	if bytesDone == 0 {
		remove()
		return "", nil, 0, ErrEmptyFile
	}

	return path, remove, bytesDone, nil
}

// Deliver uploads the fetched file, choosing the video endpoint for
// recognized video extensions, and returns the posted message id.
func (p *Pipeline) Deliver(ctx context.Context, chatID int64, path, filename string, size int64) (int64, error) {
	return p.sink.SendFile(ctx, telegram.FileRequest{
		ChatID:   chatID,
		Path:     path,
		Filename: filename,
		Caption:  fmt.Sprintf("%s\nSize: %s", filename, FormatSize(size)),
		AsVideo:  IsVideoFile(filename),
	})
}

// copyBounded copies src to dst in fixed chunks, aborting as soon as the
// running total passes max.
func copyBounded(dst io.Writer, src io.Reader, max int64, progress func(int64)) (int64, error) {
	buf := make([]byte, 8192)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if written+int64(n) > max {
				return written, fmt.Errorf("%w: limit %s", ErrFileTooLarge, FormatSize(max))
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("writing temp file: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: %v", ErrSourceUnavailable, readErr)
		}
	}
}

// tempFilename builds a collision-resistant temp name from a sanitized
// version of the remote filename.
func tempFilename(filename string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, filename)
	if safe == "" {
		safe = "download"
	}
	return fmt.Sprintf("terarelay_%d_%s", time.Now().UnixNano(), safe)
}
