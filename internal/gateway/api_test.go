package gateway_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/gateway"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/service"
)

const gatewayTestAuthToken = "gateway-test-token"

type apiEnv struct {
	ts    *httptest.Server
	store *persistence.Store
	bus   *bus.Bus
}

func apiTestServer(t *testing.T, mutate func(cfg *gateway.Config)) apiEnv {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gw.db"), persistence.DriverMattn, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := gateway.Config{
		Service:   service.New(service.Deps{Store: store, Bus: b}),
		DB:        store,
		Bus:       b,
		AuthToken: gatewayTestAuthToken,
		Version:   "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return apiEnv{ts: ts, store: store, bus: b}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (e apiEnv) call(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, r apiResponse) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, r.Data)
	}
	return v
}

func TestHealthz_NoAuth(t *testing.T) {
	e := apiTestServer(t, nil)
	resp, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	health := decodeData[map[string]any](t, out)
	if !out.Success || health["dbOk"] != true || health["version"] != "test" {
		t.Fatalf("health = %+v", health)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	e := apiTestServer(t, nil)
	resp, err := http.Get(e.ts.URL + "/api/projects")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz_CountsAuthDenials(t *testing.T) {
	e := apiTestServer(t, nil)
	denials := func() float64 {
		t.Helper()
		resp, err := http.Get(e.ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		var out apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		n, ok := decodeData[map[string]any](t, out)["authDenials"].(float64)
		if !ok {
			t.Fatal("healthz has no authDenials")
		}
		return n
	}

	before := denials()
	req, _ := http.NewRequest("GET", e.ts.URL+"/api/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if after := denials(); after != before+1 {
		t.Fatalf("authDenials = %v, want %v", after, before+1)
	}
}

func TestAPI_UnknownRoute(t *testing.T) {
	e := apiTestServer(t, nil)
	status, out := e.call(t, "GET", "/api/nothing-here", nil)
	if status != http.StatusNotFound || out.Success || out.Error == nil || out.Error.Code != "NOT_FOUND" {
		t.Fatalf("status = %d, body = %+v", status, out)
	}
}

func TestAPI_ValidationAndNotFound(t *testing.T) {
	e := apiTestServer(t, nil)

	status, out := e.call(t, "POST", "/api/projects", map[string]string{"key": "1bad", "name": "x"})
	if status != http.StatusBadRequest || out.Error.Code != "INVALID_INPUT" {
		t.Fatalf("bad key: %d %+v", status, out.Error)
	}
	status, out = e.call(t, "GET", "/api/requirements/missing", nil)
	if status != http.StatusNotFound || out.Error.Code != "NOT_FOUND" {
		t.Fatalf("missing requirement: %d %+v", status, out.Error)
	}

	req, _ := http.NewRequest("POST", e.ts.URL+"/api/projects", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status %d", resp.StatusCode)
	}
}

func TestAPI_RequirementToTestRunFlow(t *testing.T) {
	e := apiTestServer(t, nil)

	status, out := e.call(t, "POST", "/api/projects", map[string]string{"key": "SHOP", "name": "Shop"})
	if status != http.StatusCreated {
		t.Fatalf("create project: %d %+v", status, out.Error)
	}
	project := decodeData[persistence.Project](t, out)

	status, out = e.call(t, "POST", "/api/requirements", map[string]string{
		"projectId": project.ID,
		"title":     "Cart",
		"content":   "Cart.\n- Users can add items to the cart\n- Users can remove items from the cart",
	})
	if status != http.StatusCreated {
		t.Fatalf("create requirement: %d %+v", status, out.Error)
	}
	req := decodeData[persistence.Requirement](t, out)
	if req.Epic() != "SHOP-100" {
		t.Fatalf("epic = %q", req.Epic())
	}

	// No LLM is configured, so generation falls back and says so.
	status, out = e.call(t, "POST", "/api/requirements/"+req.ID+"/stories/generate", nil)
	if status != http.StatusCreated {
		t.Fatalf("generate stories: %d %+v", status, out.Error)
	}
	if out.Message == "" {
		t.Fatal("expected fallback notice in message")
	}
	gen := decodeData[struct {
		Fallback bool                `json:"fallback"`
		Stories  []persistence.Story `json:"stories"`
	}](t, out)
	if !gen.Fallback || len(gen.Stories) != 2 {
		t.Fatalf("generated = %+v", gen)
	}

	status, out = e.call(t, "POST", "/api/stories/"+gen.Stories[0].ID+"/test-cases/generate", nil)
	if status != http.StatusCreated {
		t.Fatalf("generate test cases: %d %+v", status, out.Error)
	}
	cases := decodeData[struct {
		TestCases []persistence.TestCase `json:"testCases"`
	}](t, out)
	if len(cases.TestCases) == 0 {
		t.Fatal("no test cases generated")
	}

	status, out = e.call(t, "POST", "/api/test-runs", map[string]string{"name": "nightly", "requirementId": req.ID})
	if status != http.StatusCreated {
		t.Fatalf("create run: %d %+v", status, out.Error)
	}
	run := decodeData[persistence.TestRun](t, out)

	status, out = e.call(t, "POST", "/api/test-runs/"+run.ID+"/results", map[string]any{
		"testCaseId": cases.TestCases[0].ID,
		"status":     "passed",
	})
	if status != http.StatusCreated {
		t.Fatalf("record result: %d %+v", status, out.Error)
	}
	recorded := decodeData[struct {
		Run persistence.TestRun `json:"run"`
	}](t, out)
	if recorded.Run.Passed != 1 || recorded.Run.TotalTests != 1 {
		t.Fatalf("run rollup = %+v", recorded.Run)
	}

	status, out = e.call(t, "POST", "/api/test-runs/"+run.ID+"/results", map[string]any{
		"testCaseId": cases.TestCases[0].ID,
		"status":     "exploded",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid status: %d", status)
	}
}

func TestAPI_SprintLifecycle(t *testing.T) {
	e := apiTestServer(t, nil)

	_, out := e.call(t, "POST", "/api/projects", map[string]string{"key": "OPS", "name": "Ops"})
	project := decodeData[persistence.Project](t, out)

	for _, pts := range []int{3, 5} {
		status, out := e.call(t, "POST", "/api/issues", map[string]any{
			"projectId": project.ID, "title": "Rotate certificates", "storyPoints": pts, "priority": "high",
		})
		if status != http.StatusCreated {
			t.Fatalf("create issue: %d %+v", status, out.Error)
		}
	}

	status, out := e.call(t, "POST", "/api/sprints", map[string]any{"projectId": project.ID, "name": "Sprint 1", "capacity": 10})
	if status != http.StatusCreated {
		t.Fatalf("create sprint: %d %+v", status, out.Error)
	}
	sprint := decodeData[persistence.Sprint](t, out)

	status, out = e.call(t, "POST", "/api/sprints/"+sprint.ID+"/plan?ai=false", nil)
	if status != http.StatusOK {
		t.Fatalf("plan: %d %+v", status, out.Error)
	}
	status, out = e.call(t, "GET", "/api/projects/"+project.ID+"/issues?sprintId="+sprint.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("list issues: %d", status)
	}
	if planned := decodeData[[]persistence.Issue](t, out); len(planned) != 2 {
		t.Fatalf("planned issues = %d, want 2", len(planned))
	}

	if status, out = e.call(t, "POST", "/api/sprints/"+sprint.ID+"/start", nil); status != http.StatusOK {
		t.Fatalf("start: %d %+v", status, out.Error)
	}
	if status, out = e.call(t, "POST", "/api/sprints/"+sprint.ID+"/complete", nil); status != http.StatusOK {
		t.Fatalf("complete: %d %+v", status, out.Error)
	}
	if status, _ = e.call(t, "POST", "/api/sprints/"+sprint.ID+"/complete", nil); status != http.StatusConflict {
		t.Fatalf("second complete: %d, want 409", status)
	}
}

func TestAPI_AIStatusWithoutProviders(t *testing.T) {
	e := apiTestServer(t, nil)
	status, out := e.call(t, "GET", "/api/ai/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	st := decodeData[struct {
		Available bool `json:"available"`
	}](t, out)
	if st.Available {
		t.Fatal("no providers configured but reported available")
	}
}
