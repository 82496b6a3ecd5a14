package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/terarelay/terarelay/internal/telegram"
)

func newTestPipeline(t *testing.T, maxSize int64) *Pipeline {
	t.Helper()
	return NewPipeline(nil, t.TempDir(), maxSize, 10*time.Second)
}

func fileServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

// --- Fetch tests ---

func TestFetch_Success(t *testing.T) {
	content := strings.Repeat("x", 4096)
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	})
	defer ts.Close()

	p := newTestPipeline(t, 1<<20)
	var lastProgress int64
	path, cleanup, n, err := p.Fetch(context.Background(), ts.URL, "file.bin", func(done int64) {
		lastProgress = done
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if n != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), n)
	}
	if lastProgress != int64(len(content)) {
		t.Errorf("final progress %d, want %d", lastProgress, len(content))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != content {
		t.Error("fetched content differs from served content")
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cleanup did not remove temp file")
	}
}

func TestFetch_ContentLengthTooLarge(t *testing.T) {
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.Write(make([]byte, 2048))
	})
	defer ts.Close()

	p := newTestPipeline(t, 1024)
	_, _, _, err := p.Fetch(context.Background(), ts.URL, "file.bin", nil)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got: %v", err)
	}
}

func TestFetch_MidStreamTooLarge(t *testing.T) {
	// Chunked response hides the size until the cap trips mid-stream.
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		chunk := make([]byte, 512)
		for i := 0; i < 10; i++ {
			w.Write(chunk)
			fl.Flush()
		}
	})
	defer ts.Close()

	tempDir := t.TempDir()
	p := NewPipeline(nil, tempDir, 2048, 10*time.Second)
	_, _, n, err := p.Fetch(context.Background(), ts.URL, "file.bin", nil)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got: %v", err)
	}
	if n > 2048 {
		t.Errorf("wrote %d bytes past the cap", n)
	}

	// Error path must not leak temp files.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty temp dir, found %d entries", len(entries))
	}
}

func TestFetch_SourceError(t *testing.T) {
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer ts.Close()

	p := newTestPipeline(t, 1<<20)
	_, _, _, err := p.Fetch(context.Background(), ts.URL, "file.bin", nil)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got: %v", err)
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer ts.Close()

	tempDir := t.TempDir()
	p := NewPipeline(nil, tempDir, 1<<20, 10*time.Second)
	_, _, _, err := p.Fetch(context.Background(), ts.URL, "file.bin", nil)
	if !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got: %v", err)
	}

	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 0 {
		t.Errorf("expected empty temp dir, found %d entries", len(entries))
	}
}

func TestFetch_ConnectionRefused(t *testing.T) {
	p := newTestPipeline(t, 1<<20)
	_, _, _, err := p.Fetch(context.Background(), "http://127.0.0.1:1/file", "file.bin", nil)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got: %v", err)
	}
}

func TestFetch_SanitizesFilename(t *testing.T) {
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	})
	defer ts.Close()

	p := newTestPipeline(t, 1<<20)
	path, cleanup, _, err := p.Fetch(context.Background(), ts.URL, "../../etc/pass wd?.mp4", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	base := path[strings.LastIndex(path, "/")+1:]
	if strings.ContainsAny(base, "/? ") {
		t.Errorf("unsafe characters survived sanitization: %q", base)
	}
	if !strings.HasPrefix(base, "terarelay_") {
		t.Errorf("unexpected temp name: %q", base)
	}
}

// --- Deliver tests ---

func TestDeliver_VideoSelection(t *testing.T) {
	var gotPath string
	var gotCaption string
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseMultipartForm(1 << 20)
		gotCaption = r.FormValue("caption")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 5},
		})
	})
	defer ts.Close()

	sink := telegram.NewBotAPI(ts.URL, "123:abc", time.Minute)
	p := NewPipeline(sink, t.TempDir(), 1<<20, 10*time.Second)

	local := t.TempDir() + "/movie.mp4"
	if err := os.WriteFile(local, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgID, err := p.Deliver(context.Background(), -100555, local, "movie.mp4", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgID != 5 {
		t.Errorf("unexpected message id: %d", msgID)
	}
	if !strings.HasSuffix(gotPath, "/sendVideo") {
		t.Errorf("expected sendVideo endpoint, got %s", gotPath)
	}
	if !strings.Contains(gotCaption, "movie.mp4") {
		t.Errorf("caption missing filename: %q", gotCaption)
	}
}

func TestDeliver_DocumentSelection(t *testing.T) {
	var gotPath string
	ts := fileServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 6},
		})
	})
	defer ts.Close()

	sink := telegram.NewBotAPI(ts.URL, "123:abc", time.Minute)
	p := NewPipeline(sink, t.TempDir(), 1<<20, 10*time.Second)

	local := t.TempDir() + "/archive.zip"
	if err := os.WriteFile(local, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Deliver(context.Background(), -100555, local, "archive.zip", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/sendDocument") {
		t.Errorf("expected sendDocument endpoint, got %s", gotPath)
	}
}

// --- helpers tests ---

func TestIsVideoFile(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"movie.mp4", true},
		{"MOVIE.MKV", true},
		{"clip.webm", true},
		{"old.3gp", true},
		{"doc.pdf", false},
		{"archive.zip", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsVideoFile(tt.filename); got != tt.want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 << 20, "5.0 MB"},
		{2147483648, "2.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.size); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}
