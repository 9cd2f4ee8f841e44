package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/head"
	"github.com/webai/webai/internal/trust"
	v1 "github.com/webai/webai/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type headHarness struct {
	router http.Handler
	pubPEM string
	keyID  string
}

// newHeadHarness wires a head API over the given node entries. The nodes
// are fakes; only the head side is under test here.
func newHeadHarness(t *testing.T, entries []config.NodeEntry, mutate ...func(*config.HeadConfig)) *headHarness {
	t.Helper()
	log := testLogger(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate head key: %v", err)
	}
	pubPEM, err := trust.EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("failed to encode head key: %v", err)
	}
	signer := trust.NewSigner(priv)

	cfg := config.HeadConfig{
		RequestTimeoutSeconds: 5,
		ProbeTimeoutSeconds:   2,
		FanoutTimeoutSeconds:  2,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	registry := head.NewRegistry(entries)
	client := head.NewClient(signer, log)
	router := head.NewRouter(registry, client, cfg, log)

	return &headHarness{
		router: NewRouter(Deps{
			Router:    router,
			PublicKey: string(pubPEM),
			KeyID:     signer.KeyID(),
			Head:      cfg,
			Logger:    log,
		}),
		pubPEM: string(pubPEM),
		keyID:  signer.KeyID(),
	}
}

func (hh *headHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	hh.router.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not an error envelope: %v: %s", err, rec.Body.String())
	}
	return body
}

func fakeNode(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	hh := newHeadHarness(t, nil)
	rec := hh.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestPublicKeyRoute(t *testing.T) {
	hh := newHeadHarness(t, nil)
	rec := hh.do(t, http.MethodGet, "/api/security/public-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp v1.PublicKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.PublicKey != hh.pubPEM {
		t.Fatal("public key does not match the head's signing key")
	}
	if resp.KeyID != hh.keyID {
		t.Fatalf("expected key id %q, got %q", hh.keyID, resp.KeyID)
	}
}

func TestNodesIncludesKeyAndEnrollToken(t *testing.T) {
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v1.NodeInfo{
			NodeID: "node-a", NodeName: "Alpha", Ready: true, RequireAuth: true, TrustedKeys: 1,
		})
	})

	hh := newHeadHarness(t,
		[]config.NodeEntry{{ID: "node-a", URL: node.URL}},
		func(cfg *config.HeadConfig) { cfg.EnrollToken = "enroll-123" },
	)

	rec := hh.do(t, http.MethodGet, "/api/nodes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp v1.NodesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Nodes) != 1 || !resp.Nodes[0].Reachable || resp.Nodes[0].Name != "Alpha" {
		t.Fatalf("unexpected node statuses: %+v", resp.Nodes)
	}
	if !strings.Contains(resp.PublicKey, "BEGIN PUBLIC KEY") {
		t.Fatalf("public key missing from response: %q", resp.PublicKey)
	}
	if resp.EnrollToken != "enroll-123" {
		t.Fatalf("expected enroll token surfaced, got %q", resp.EnrollToken)
	}
}

func TestCreateRequiresNodeIDWithMultipleNodes(t *testing.T) {
	hh := newHeadHarness(t, []config.NodeEntry{
		{ID: "node-a", URL: "http://127.0.0.1:1"},
		{ID: "node-b", URL: "http://127.0.0.1:2"},
	})

	rec := hh.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "abc"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeError(t, rec)
	if body.Error.Code != "invalid_input" || !strings.Contains(body.Error.Message, "node_id is required") {
		t.Fatalf("unexpected error: %+v", body.Error)
	}
}

func TestCreateRelaysAndRewritesDetail(t *testing.T) {
	launch := "/vnc/task-9?token=s3cret"
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/tasks":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(v1.TaskDetail{
				Record: v1.TaskRecord{ID: "task-9", NodeID: "node-a", Title: "abc"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/task-9":
			_ = json.NewEncoder(w).Encode(v1.TaskDetail{
				Record:       v1.TaskRecord{ID: "task-9", NodeID: "node-a", Title: "abc"},
				VNCLaunchURL: &launch,
			})
		default:
			http.NotFound(w, r)
		}
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "abc", "instructions": "do the thing"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created v1.TaskDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	if created.Record.ID != "task-9" {
		t.Fatalf("node response not relayed: %+v", created.Record)
	}

	rec = hh.do(t, http.MethodGet, "/api/tasks/task-9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail struct {
		VNCLaunchURL string `json:"vnc_launch_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("failed to decode detail: %v", err)
	}
	if detail.VNCLaunchURL != node.URL+launch {
		t.Fatalf("launch URL not rewritten onto the node base: %q", detail.VNCLaunchURL)
	}
}

func TestActionBodyRelayedToNode(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotBody string
	)
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			gotPath = r.URL.Path
			gotBody = string(data)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Assistance recorded."})
			return
		}
		http.NotFound(w, r)
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodPost, "/api/tasks/task-1/assist?node_id=node-a", map[string]string{"response": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/api/tasks/task-1/assist" {
		t.Fatalf("wrong node path: %q", gotPath)
	}
	if !strings.Contains(gotBody, `"hi"`) {
		t.Fatalf("body not relayed: %q", gotBody)
	}
	if !strings.Contains(rec.Body.String(), "Assistance recorded.") {
		t.Fatalf("node reply not relayed: %s", rec.Body.String())
	}
}

func TestDeleteRelaysNoContent(t *testing.T) {
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodDelete, "/api/tasks/task-1?node_id=node-a", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %s", rec.Body.String())
	}
}

func TestListTasksRelayed(t *testing.T) {
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v1.TasksResponse{Tasks: []v1.TaskSummary{
			{ID: "task-1", NodeID: "node-a", Title: "only"},
		}})
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp v1.TasksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", resp.Tasks)
	}
}

func TestInstallHeadKeyPushesOwnKey(t *testing.T) {
	var (
		mu  sync.Mutex
		got v1.HeadKeyInstallRequest
	)
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/admin/head-key" {
			mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&got)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(v1.HeadKeyInstallResponse{Installed: true, KeyID: "deadbeefdeadbeef"})
			return
		}
		http.NotFound(w, r)
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodPost, "/api/nodes/node-a/install-head-key", map[string]string{"token": "tok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if got.PublicKey != hh.pubPEM || got.Token != "tok" {
		t.Fatalf("node received wrong enrollment payload: %+v", got)
	}
	var resp v1.HeadKeyInstallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Installed {
		t.Fatalf("expected installed ack, got %+v", resp)
	}
}

func TestInstallHeadKeyRelaysNodeRejection(t *testing.T) {
	node := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Invalid enrollment token."}}`))
	})

	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: node.URL}})

	rec := hh.do(t, http.MethodPost, "/api/nodes/node-a/install-head-key", map[string]string{"token": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected relayed 403, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Message != "Invalid enrollment token." {
		t.Fatalf("node message lost in relay: %+v", body.Error)
	}
}

func TestInstallHeadKeyValidation(t *testing.T) {
	hh := newHeadHarness(t, []config.NodeEntry{{ID: "node-a", URL: "http://127.0.0.1:1"}})

	rec := hh.do(t, http.MethodPost, "/api/nodes/node-a/install-head-key", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing token, got %d", rec.Code)
	}

	rec = hh.do(t, http.MethodPost, "/api/nodes/ghost/install-head-key", map[string]string{"token": "tok"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown node, got %d", rec.Code)
	}
}

func TestUnknownAPIRouteReturnsJSON(t *testing.T) {
	hh := newHeadHarness(t, nil)
	rec := hh.do(t, http.MethodGet, "/api/bogus", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != "not_found" {
		t.Fatalf("expected JSON not_found envelope, got %+v", body.Error)
	}
}

func TestSPAPlaceholderWithoutBuild(t *testing.T) {
	hh := newHeadHarness(t, nil, func(cfg *config.HeadConfig) { cfg.StaticDir = "" })
	rec := hh.do(t, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "webai") {
		t.Fatalf("placeholder page missing: %s", rec.Body.String())
	}
}

func TestSPAServesBuildWithIndexFallback(t *testing.T) {
	dist := t.TempDir()
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html>app shell</html>"), 0o644); err != nil {
		t.Fatalf("failed to write index: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dist, "assets"), 0o755); err != nil {
		t.Fatalf("failed to create assets dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dist, "assets", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("failed to write asset: %v", err)
	}

	hh := newHeadHarness(t, nil, func(cfg *config.HeadConfig) { cfg.StaticDir = dist })

	rec := hh.do(t, http.MethodGet, "/assets/app.js", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("asset not served: %d %s", rec.Code, rec.Body.String())
	}

	rec = hh.do(t, http.MethodGet, "/tasks/task-123", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "app shell") {
		t.Fatalf("client route should fall back to index: %d %s", rec.Code, rec.Body.String())
	}

	rec = hh.do(t, http.MethodGet, "/../../etc/passwd", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "app shell") {
		t.Fatalf("traversal should resolve inside the dist dir: %d", rec.Code)
	}
}
