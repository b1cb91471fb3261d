package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/exhibit/internal/config"
	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"evidence not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"healthy"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestStatus_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"degraded","version":"1.0.0","detector":{"reachable":false,"error":"connection refused"},"jobs":{"pending":1,"completed":2},"active":1}`,
	})

	h, err := fetchHealth(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Status != "degraded" || h.Active != 1 {
		t.Errorf("health = %+v", h)
	}
	if h.Detector == nil || h.Detector.Reachable {
		t.Errorf("detector = %+v, want unreachable", h.Detector)
	}
	if got := jobCounts(h.Jobs); got != "completed=2 pending=1" {
		t.Errorf("jobCounts = %q", got)
	}
}

func TestStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := fetchHealth(ctx, ts.client())
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestJobCounts_Empty(t *testing.T) {
	if got := jobCounts(nil); got != "none" {
		t.Errorf("jobCounts(nil) = %q, want none", got)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, evidencePath+"/list")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid bearer token") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestAPIErrorMessage_RawBody(t *testing.T) {
	if got := apiErrorMessage([]byte("gateway timeout\n")); got != "gateway timeout" {
		t.Errorf("apiErrorMessage = %q", got)
	}
}

func TestUpload_Multipart(t *testing.T) {
	var gotFields map[string]string
	var gotFile, gotName, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != evidencePath+"/upload" {
			w.WriteHeader(404)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(400)
			return
		}
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(400)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		gotFile, gotName = string(data), hdr.Filename

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"evidence_id":"ev-1","status":"uploaded"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	client := &apiClient{baseURL: srv.URL, token: "tok", httpClient: srv.Client()}
	resp, err := client.upload(ctx, path, map[string]string{
		"device_id":     "cam-7",
		"evidence_type": "video",
		"location":      "",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	var out map[string]string
	if err := decodeJSON(resp, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["evidence_id"] != "ev-1" {
		t.Errorf("evidence_id = %q", out["evidence_id"])
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotName != "clip.mp4" || gotFile != "fake video bytes" {
		t.Errorf("file = %q (%q)", gotName, gotFile)
	}
	if gotFields["device_id"] != "cam-7" || gotFields["evidence_type"] != "video" {
		t.Errorf("fields = %v", gotFields)
	}
	if _, ok := gotFields["location"]; ok {
		t.Error("empty location should not be sent")
	}
}

func TestUpload_MissingFile(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	_, err := client.upload(ctx, filepath.Join(t.TempDir(), "nope.mp4"), nil)
	if err == nil || !strings.Contains(err.Error(), "opening video") {
		t.Errorf("err = %v, want opening video error", err)
	}
}

func TestEvidenceURL(t *testing.T) {
	tests := []struct {
		id, action, want string
	}{
		{"abc", "progress", "/api/v1/evidence/abc/progress"},
		{"abc", "", "/api/v1/evidence/abc"},
		{"a/b", "results", "/api/v1/evidence/a%2Fb/results"},
	}
	for _, tt := range tests {
		if got := evidenceURL(tt.id, tt.action); got != tt.want {
			t.Errorf("evidenceURL(%q, %q) = %q, want %q", tt.id, tt.action, got, tt.want)
		}
	}
}

func TestEventsURL(t *testing.T) {
	got, err := eventsURL("http://127.0.0.1:8000", "ev-1", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://127.0.0.1:8000/api/v1/evidence/ev-1/events?access_token=s3cret" {
		t.Errorf("eventsURL = %q", got)
	}

	got, err = eventsURL("https://evidence.example", "ev-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "wss://") {
		t.Errorf("eventsURL = %q, want wss scheme", got)
	}
}

func TestFollowRemote(t *testing.T) {
	var gotToken string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range []float64{0.2, 0.6} {
			conn.WriteJSON(map[string]any{"evidence_id": "ev-1", "status": "processing", "progress": p})
		}
		conn.WriteJSON(map[string]any{"evidence_id": "ev-1", "status": "failed", "progress": 0.6, "error_message": "decoder crashed"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "tok", httpClient: srv.Client()}
	err := followRemote(ctx, client, "ev-1")
	if err == nil || !strings.Contains(err.Error(), "decoder crashed") {
		t.Errorf("err = %v, want failure message", err)
	}
	if gotToken != "tok" {
		t.Errorf("access_token = %q, want tok", gotToken)
	}
}

func TestFollowJob_DrainsUntilClosed(t *testing.T) {
	ch := make(chan ledger.Job, 3)
	ch <- ledger.Job{ID: "j", Status: ledger.StatusProcessing, Progress: 0.5}
	ch <- ledger.Job{ID: "j", Status: ledger.StatusCompleted, Progress: 1}
	close(ch)

	var seen []float64
	final := followJob(ctx, ch, func(j ledger.Job) { seen = append(seen, j.Progress) }, func() {
		t.Error("cancel should not be called")
	})
	if final.Status != ledger.StatusCompleted {
		t.Errorf("final status = %s", final.Status)
	}
	if len(seen) != 2 {
		t.Errorf("saw %d updates, want 2", len(seen))
	}
}

func TestFollowJob_CancelOnContextDone(t *testing.T) {
	ch := make(chan ledger.Job, 1)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	cancelled := 0
	final := followJob(cctx, ch, func(ledger.Job) {}, func() {
		cancelled++
		ch <- ledger.Job{ID: "j", Status: ledger.StatusFailed, Error: "cancelled"}
		close(ch)
	})
	if cancelled != 1 {
		t.Errorf("cancel called %d times, want 1", cancelled)
	}
	if final.Status != ledger.StatusFailed || final.Error != "cancelled" {
		t.Errorf("final = %+v", final)
	}
}

func TestPercent(t *testing.T) {
	tests := map[float64]int{0: 0, 0.004: 0, 0.5: 50, 0.999: 100, 1: 100, 1.7: 100, -1: 0}
	for in, want := range tests {
		if got := percent(in); got != want {
			t.Errorf("percent(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAnalyzeCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"analyze"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("error = %q, want arg count error", err.Error())
	}
}

func TestListCommand_InvalidStatus(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"list", "--status", "archived"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Errorf("err = %v, want unknown status", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Analysis.Stride = 15

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := map[string]bool{}
	for _, k := range keys {
		if (k.Key == "server.port" && k.Value == "4000") || (k.Key == "analysis.stride" && k.Value == "15") {
			found[k.Key] = true
		}
	}
	if len(found) != 2 {
		t.Errorf("found = %v, want server.port=4000 and analysis.stride=15", found)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestPrintJSON(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdout
	os.Stdout = w
	err = printJSON(map[string]int{"sampled_frames": 11})
	w.Close()
	os.Stdout = old
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]int
	if err := json.NewDecoder(r).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["sampled_frames"] != 11 {
		t.Errorf("got %v", got)
	}
}

func TestTopObjects(t *testing.T) {
	s := &evidence.Summary{ObjectHistogram: map[string]int{"car": 2, "person": 7, "bike": 2, "dog": 1}}
	if got := topObjects(s, 2); got != "person=7 bike=2 +2 more" {
		t.Errorf("topObjects = %q", got)
	}
	if got := topObjects(s, 10); got != "person=7 bike=2 car=2 dog=1" {
		t.Errorf("topObjects = %q", got)
	}
	if got := topObjects(&evidence.Summary{}, 3); got != "none" {
		t.Errorf("empty = %q, want none", got)
	}
}
