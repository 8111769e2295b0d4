package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/chunkrelay/chunkrelay/internal/assembly"
	"github.com/chunkrelay/chunkrelay/internal/config"
	"github.com/chunkrelay/chunkrelay/internal/ledger"
	"github.com/chunkrelay/chunkrelay/internal/logging"
	"github.com/chunkrelay/chunkrelay/internal/metrics"
	"github.com/chunkrelay/chunkrelay/internal/publish"
	"github.com/chunkrelay/chunkrelay/internal/staging"
	"github.com/chunkrelay/chunkrelay/internal/upload"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type failingCheck struct{ err error }

func (f failingCheck) HealthCheck(ctx context.Context) error { return f.err }

type testServer struct {
	*Server
	chunks     *staging.MemoryChunkStore
	publishDir string
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			MaxChunkSize:  1 << 20,
			MaxUploadSize: 1 << 20,
		},
		Observability: config.ObservabilityConfig{
			Metrics: true,
		},
	}
}

// newTestServer wires a Server over an in-memory chunk store, a temp
// artifact directory and a local publish root.
func newTestServer(t *testing.T, cfg *config.Config, opts ...ServerOption) *testServer {
	t.Helper()
	logger := logging.Discard()
	tmpDir := t.TempDir()

	chunks := staging.NewMemoryChunkStore(0)
	artifacts, err := staging.NewLocalArtifactStore(filepath.Join(tmpDir, "artifacts"))
	if err != nil {
		t.Fatalf("NewLocalArtifactStore: %v", err)
	}
	publishDir := filepath.Join(tmpDir, "published")
	store, err := publish.NewLocalStore(publishDir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	pub := publish.New(store, publish.Options{
		Backend:   "local",
		Bucket:    "artifacts",
		KeyPrefix: "uploads/",
		Routes:    []publish.Route{{ContentTypePrefix: "image/", Bucket: "images"}},
	}, logger)

	l := ledger.New(chunks, artifacts, logger)
	coord := upload.NewCoordinator(chunks, artifacts, l, assembly.New(chunks, artifacts, logger), pub,
		upload.NewCleanup(chunks, artifacts, logger), logger)

	opts = append([]ServerOption{
		WithLogger(logger),
		WithHealthCheck("staging", chunks),
		WithHealthCheck("publish", pub),
	}, opts...)
	srv, err := New(cfg, coord, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testServer{Server: srv, chunks: chunks, publishDir: publishDir}
}

// testRequest performs an HTTP request against the full middleware chain.
func testRequest(t *testing.T, srv *testServer, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func chunkBody(t *testing.T, id string, seq, total int, fileName, data string) ([]byte, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"fileId":      id,
		"chunkNumber": strconv.Itoa(seq),
		"totalChunks": strconv.Itoa(total),
		"fileName":    fileName,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(data))
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart Close: %v", err)
	}
	return buf.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body unmarshal error: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/health", nil, nil)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("GET /health status = %q, want %q", body["status"], "ok")
	}
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatal("GET /health response missing 'checks' field")
	}
	for _, name := range []string{"staging", "publish"} {
		check, ok := checks[name].(map[string]any)
		if !ok {
			t.Fatalf("GET /health missing %q check", name)
		}
		if check["status"] != "ok" {
			t.Errorf("%s check status = %q, want %q", name, check["status"], "ok")
		}
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	srv := newTestServer(t, testConfig(),
		WithHealthCheck("publish", failingCheck{err: errors.New("bucket gone")}))
	rec := testRequest(t, srv, "GET", "/health", nil, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rec)
	if body["status"] != "degraded" {
		t.Errorf("status = %q, want degraded", body["status"])
	}
	check := body["checks"].(map[string]any)["publish"].(map[string]any)
	if check["status"] != "error" || check["error"] != "bucket gone" {
		t.Errorf("publish check = %v", check)
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "HEAD", "/health", nil, nil)

	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/docs", nil, nil)

	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		loc := rec.Header().Get("Location")
		if loc == "" {
			t.Fatal("GET /docs returned redirect but no Location header")
		}
		rec = testRequest(t, srv, "GET", loc, nil, nil)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/openapi.json", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if _, ok := body["openapi"]; !ok {
		t.Error("GET /openapi.json response does not contain 'openapi' key")
	}
	paths, ok := body["paths"].(map[string]any)
	if !ok {
		t.Fatal("GET /openapi.json response does not contain 'paths'")
	}
	for _, p := range []string{"/health", "/uploads/{uploadId}"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("OpenAPI document missing path %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	// CounterVec and HistogramVec only appear in Prometheus output after
	// at least one observation.
	testRequest(t, srv, "GET", "/health", nil, nil)

	rec := testRequest(t, srv, "GET", "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"chunkrelay_http_requests_total",
		"chunkrelay_http_request_duration_seconds",
		"chunkrelay_chunk_bytes_total",
		"chunkrelay_uploads_completed_total",
		"chunkrelay_tracked_uploads",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.Metrics = false
	srv := newTestServer(t, cfg)

	rec := testRequest(t, srv, "GET", "/metrics", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/health", nil, nil)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("Missing X-Request-Id header")
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Missing Date header")
	}
	if got := rec.Header().Get("Server"); got != "chunkrelay" {
		t.Errorf("Server header = %q, want %q", got, "chunkrelay")
	}

	rec = testRequest(t, srv, "GET", "/health", nil, http.Header{"X-Request-Id": {"client-42"}})
	if got := rec.Header().Get("X-Request-Id"); got != "client-42" {
		t.Errorf("X-Request-Id = %q, want client-supplied id", got)
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigin = "https://app.example.com"
	srv := newTestServer(t, cfg)

	rec := testRequest(t, srv, "OPTIONS", "/upload-chunk", nil, http.Header{
		"Origin":                        {"https://app.example.com"},
		"Access-Control-Request-Method": {"POST"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Access-Control-Allow-Methods = %q, want POST listed", got)
	}

	rec = testRequest(t, srv, "GET", "/health", nil, nil)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("GET Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSDisabled(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/health", nil, nil)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestUploadStatusUnknown(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/uploads/nobody", nil, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	body := decodeBody(t, rec)
	if body["code"] != "NoSuchUpload" {
		t.Errorf("code = %v, want NoSuchUpload", body["code"])
	}
	if body["status"] != "error" {
		t.Errorf("status = %v, want error", body["status"])
	}
}

func TestChunkedUploadFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())
	parts := []string{"alpha-", "beta-", "gamma"}

	// Chunks arrive out of order: 3, 1, then 2 completes the upload.
	order := []int{3, 1, 2}
	for i, seq := range order {
		body, header := chunkBody(t, "up-1", seq, len(parts), "report.txt", parts[seq-1])
		rec := testRequest(t, srv, "POST", "/upload-chunk", body, header)
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d status = %d, body %s", seq, rec.Code, rec.Body.String())
		}
		resp := decodeBody(t, rec)

		if i < len(order)-1 {
			if resp["status"] != "chunk-received" {
				t.Fatalf("chunk %d status = %v, want chunk-received", seq, resp["status"])
			}
			if resp["received"] != float64(i+1) || resp["expected"] != float64(len(parts)) {
				t.Errorf("chunk %d progress = %v/%v", seq, resp["received"], resp["expected"])
			}

			status := testRequest(t, srv, "GET", "/uploads/up-1", nil, nil)
			if status.Code != http.StatusOK {
				t.Fatalf("GET /uploads/up-1 status = %d", status.Code)
			}
			st := decodeBody(t, status)
			if st["status"] != "receiving" || st["complete"] != false {
				t.Errorf("upload status = %v", st)
			}
			continue
		}

		if resp["status"] != "upload-complete" {
			t.Fatalf("final chunk status = %v, want upload-complete", resp["status"])
		}
		if resp["destinationKey"] != "uploads/report.txt" || resp["bucket"] != "artifacts" {
			t.Errorf("destination = %v/%v", resp["bucket"], resp["destinationKey"])
		}
	}

	data, err := os.ReadFile(filepath.Join(srv.publishDir, "artifacts", "uploads", "report.txt"))
	if err != nil {
		t.Fatalf("reading published object: %v", err)
	}
	if string(data) != "alpha-beta-gamma" {
		t.Errorf("published content = %q", data)
	}

	staged, err := srv.chunks.ListStaged(context.Background(), "up-1")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("%d chunks still staged after publish", len(staged))
	}

	// A late duplicate of a closed upload is rejected.
	body, header := chunkBody(t, "up-1", 1, len(parts), "report.txt", parts[0])
	rec := testRequest(t, srv, "POST", "/upload-chunk", body, header)
	if rec.Code != http.StatusConflict {
		t.Errorf("late chunk status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestUploadStatusExpectedQuery(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx := context.Background()
	if _, err := srv.chunks.Put(ctx, "restored", 1, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := testRequest(t, srv, "GET", "/uploads/restored?expected=4", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["received"] != float64(1) || body["expected"] != float64(4) {
		t.Errorf("progress = %v/%v, want 1/4", body["received"], body["expected"])
	}
	if body["complete"] != false {
		t.Errorf("complete = %v, want false", body["complete"])
	}
}

func TestUploadStatusDecodesIDOnce(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx := context.Background()
	if _, err := srv.chunks.Put(ctx, "%41", 1, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := srv.chunks.Put(ctx, "a/b", 1, strings.NewReader("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/uploads/%2541?expected=2", "%41"},
		{"/uploads/a%2Fb?expected=2", "a/b"},
	}
	for _, tt := range tests {
		rec := testRequest(t, srv, "GET", tt.path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, body %s", tt.path, rec.Code, rec.Body.String())
		}
		if body := decodeBody(t, rec); body["uploadId"] != tt.want {
			t.Errorf("GET %s uploadId = %v, want %q", tt.path, body["uploadId"], tt.want)
		}
	}

	// Nothing is staged under the double-decoded id.
	rec := testRequest(t, srv, "GET", "/uploads/A", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /uploads/A status = %d, want 404", rec.Code)
	}
}

func TestSingleShotUpload(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "POST", "/upload?fileName=cat.png", []byte("png-bytes"), http.Header{
		"Content-Type": {"image/png"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["bucket"] != "images" || body["key"] != "uploads/cat.png" {
		t.Errorf("destination = %v/%v", body["bucket"], body["key"])
	}
	if _, err := os.Stat(filepath.Join(srv.publishDir, "images", "uploads", "cat.png")); err != nil {
		t.Errorf("published object missing: %v", err)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/nowhere", nil, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	body := decodeBody(t, rec)
	if body["code"] != "NoSuchRoute" {
		t.Errorf("code = %v, want NoSuchRoute", body["code"])
	}
	if body["requestId"] == "" || body["requestId"] == nil {
		t.Error("error body missing requestId")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := testRequest(t, srv, "GET", "/upload-chunk", nil, nil)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if body := decodeBody(t, rec); body["code"] != "MethodNotAllowed" {
		t.Errorf("code = %v, want MethodNotAllowed", body["code"])
	}
}
