package submission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"satsuei/internal/apperr"
	"satsuei/internal/camera"
)

func testImage(t *testing.T) *camera.StillImage {
	t.Helper()
	data, _, err := camera.EncodeFrame(camera.NewTestFrame(8, 8), 90)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return &camera.StillImage{ID: "img-1", Data: data, ContentType: "image/jpeg", Origin: camera.OriginCamera}
}

func TestClient_SubmitSuccess(t *testing.T) {
	img := testImage(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		file, header, err := r.FormFile(FieldName)
		if err != nil {
			t.Errorf("Expected image field: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		if len(data) != len(img.Data) {
			t.Errorf("Expected %d bytes, got %d", len(img.Data), len(data))
		}
		if header.Filename != "img-1.jpg" {
			t.Errorf("Unexpected filename %q", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Unexpected part content type %q", ct)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(` {"label":"leaf","score":0.9} `))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, nil)
	doc, err := client.Submit(context.Background(), img)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if string(doc) != `{"label":"leaf","score":0.9}` {
		t.Errorf("Unexpected document: %s", doc)
	}
}

func TestClient_SubmitFailures(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		expected Reason
	}{
		{"4xx", http.StatusUnprocessableEntity, `{"error":"bad image"}`, ReasonClient},
		{"5xx", http.StatusInternalServerError, `oops`, ReasonServer},
		{"リダイレクト以外の3xx", http.StatusNotModified, ``, ReasonServer},
		{"JSONではない", http.StatusOK, `<html></html>`, ReasonInvalidResponse},
		{"空の応答", http.StatusOK, ``, ReasonInvalidResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, time.Second, nil).Submit(context.Background(), testImage(t))
			if !errors.Is(err, apperr.ErrSubmission) {
				t.Fatalf("Expected Submission error, got %v", err)
			}
			if got := ReasonOf(err); got != tc.expected {
				t.Errorf("Expected reason %s, got %s", tc.expected, got)
			}
		})
	}
}

// stallingServer は本文を読み切ったあと応答せずに待つサーバーを返す
//
// 返す関数で待機中のハンドラーを解放してからサーバーを閉じる。
func stallingServer() (*httptest.Server, func()) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	return server, func() {
		close(release)
		server.Close()
	}
}

func TestClient_Timeout(t *testing.T) {
	server, shutdown := stallingServer()
	defer shutdown()

	start := time.Now()
	_, err := NewClient(server.URL, 50*time.Millisecond, nil).Submit(context.Background(), testImage(t))
	if got := ReasonOf(err); got != ReasonTimeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Timeout was not applied")
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url, time.Second, nil).Submit(context.Background(), testImage(t))
	if got := ReasonOf(err); got != ReasonNetwork {
		t.Fatalf("Expected network, got %v", err)
	}
	e, ok := apperr.As(err)
	if !ok || e.Message == "" {
		t.Error("Expected user message")
	}
}

func TestClient_Canceled(t *testing.T) {
	server, shutdown := stallingServer()
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewClient(server.URL, 5*time.Second, nil).Submit(ctx, testImage(t))
	if got := ReasonOf(err); got != ReasonCanceled {
		t.Fatalf("Expected canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation was not applied")
	}
}

func TestClient_EmptyImage(t *testing.T) {
	_, err := NewClient("", 0, nil).Submit(context.Background(), &camera.StillImage{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Expected Validation error, got %v", err)
	}
}

func TestClient_Defaults(t *testing.T) {
	c := NewClient("", 0, nil)
	if c.Endpoint() != DefaultEndpoint {
		t.Errorf("Expected default endpoint, got %s", c.Endpoint())
	}
	if c.Timeout() != DefaultTimeout {
		t.Errorf("Expected default timeout, got %v", c.Timeout())
	}
}

func TestFileName(t *testing.T) {
	testCases := []struct {
		id, contentType, expected string
	}{
		{"a", "image/png", "a.png"},
		{"b", "image/jpeg", "b.jpg"},
		{"c", "application/x-unknown-thing", "c.jpg"},
		{"", "image/webp", "image.webp"},
	}
	for _, tc := range testCases {
		if got := fileName(tc.id, tc.contentType); got != tc.expected {
			t.Errorf("fileName(%q, %q) = %q, want %q", tc.id, tc.contentType, got, tc.expected)
		}
	}
	if !strings.HasSuffix(fileName("x", ""), ".jpg") {
		t.Error("Expected .jpg fallback")
	}
}
