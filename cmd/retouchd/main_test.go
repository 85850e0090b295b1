package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
	"github.com/throw-if-null/retouch/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var pngBytes = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 16)...)

// fakeRemote imitates the processing API: one submit endpoint, a result
// endpoint that reports Ready, and the artifact itself.
func fakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("POST /v1/flux-kontext-pro", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "R1"})
	})
	mux.HandleFunc("GET /v1/get-result", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     r.URL.Query().Get("id"),
			"status": "Ready",
			"result": map[string]string{"sample": ts.URL + "/artifact"},
		})
	})
	mux.HandleFunc("GET /artifact", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("edited-image-bytes"))
	})
	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestEndToEnd_EditTaskCompletes(t *testing.T) {
	remote := fakeRemote(t)

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".retouch"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgBody := fmt.Sprintf("[flux]\nbase_url = %q\n\n[poller]\ninterval_ms = 20\n", remote.URL)
	if err := os.WriteFile(filepath.Join(dir, ".retouch", "config.toml"), []byte(cfgBody), 0o644); err != nil {
		t.Fatal(err)
	}

	oldWd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(oldWd)

	t.Setenv("FLUX_API_KEY", "test-key")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")

	// override dotenvLoad to no-op
	oldDot := dotenvLoad
	dotenvLoad = func(...string) error { return nil }
	defer func() { dotenvLoad = oldDot }()

	// install in-memory exporter via telemetryInit override
	exp := tracetest.NewInMemoryExporter()
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", "testsvc"),
	))
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)),
	)
	prev := otel.GetTracerProvider()
	oldInit := telemetryInit
	telemetryInit = func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error) {
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}
	defer func() {
		telemetryInit = oldInit
		otel.SetTracerProvider(prev)
	}()

	handler, addr, shutdown, err := setup(context.Background())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	if addr != "127.0.0.1:8787" {
		t.Fatalf("unexpected addr: %s", addr)
	}

	srv := httptest.NewServer(handler)
	defer srv.Close()

	// upload a source image
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "src.png")
	_, _ = fw.Write(pngBytes)
	_ = mw.Close()
	resp, err := http.Post(srv.URL+"/api/images/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var img api.ImageInfo
	_ = json.NewDecoder(resp.Body).Decode(&img)
	resp.Body.Close()

	// create an edit task
	body, _ := json.Marshal(api.EditRequest{ImageID: img.ID, Prompt: "make sky red", Model: api.ModelKontextPro})
	resp, err = http.Post(srv.URL+"/api/flux/edit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	var task api.Task
	_ = json.NewDecoder(resp.Body).Decode(&task)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("edit status: %d", resp.StatusCode)
	}

	// poll until the task completes
	deadline := time.Now().Add(3 * time.Second)
	var got api.Task
	for {
		if time.Now().After(deadline) {
			t.Fatalf("task did not complete in time, last status %q error %q", got.Status, got.Error)
		}
		resp, err := http.Get(srv.URL + "/api/flux/status/" + task.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		got = api.Task{}
		_ = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if got.Status == api.TaskCompleted || got.Status == api.TaskFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Status != api.TaskCompleted {
		t.Fatalf("expected completed, got %q (%s)", got.Status, got.Error)
	}
	if got.ResultPath == "" || got.RemoteJobID != "" {
		t.Fatalf("unexpected terminal record: %+v", got)
	}

	// the artifact is served through the result endpoint
	resp, err = http.Get(srv.URL + "/api/tasks/" + task.ID + "/result")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status: %d", resp.StatusCode)
	}

	// spans flushed through the overridden provider
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	found := false
	for _, s := range exp.GetSpans() {
		if s.Name == "retouch.task" {
			for _, a := range s.Attributes {
				if a.Key == attribute.Key("task.id") && a.Value.AsString() == task.ID {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatalf("did not find retouch.task span with task.id")
	}
}

func TestSetup_RequiresAPIKey(t *testing.T) {
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(oldWd)

	oldDot := dotenvLoad
	dotenvLoad = func(...string) error { return nil }
	defer func() { dotenvLoad = oldDot }()

	t.Setenv("FLUX_API_KEY", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if _, _, _, err := setup(context.Background()); err == nil {
		t.Fatalf("expected error without FLUX_API_KEY")
	}
}

func TestSetup_RefusesBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".retouch"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".retouch", "config.toml"), []byte("x = [1,\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	oldWd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer os.Chdir(oldWd)

	oldDot := dotenvLoad
	dotenvLoad = func(...string) error { return nil }
	defer func() { dotenvLoad = oldDot }()

	t.Setenv("FLUX_API_KEY", "test-key")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if _, _, _, err := setup(context.Background()); err == nil {
		t.Fatalf("expected error for unparsable config")
	}
}
