package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/origincreativegroup/Loom/internal/api"
)

type fakeDaemon struct {
	mu      sync.Mutex
	created []api.CreateCaseRequest
	apiKeys []string
}

func (d *fakeDaemon) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cases", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.apiKeys = append(d.apiKeys, r.Header.Get("X-API-Key"))
		d.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var req api.CreateCaseRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode create request: %v", err)
			}
			d.mu.Lock()
			d.created = append(d.created, req)
			d.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","status":"queued","message":"Investigation queued"}`)
		default:
			_, _ = io.WriteString(w, `{"schema_version":"v1","cases":[{"case_id":"case-1","title":"t","target":"example.com","target_kind":"domain","status":"completed","tools":["searxng","whois"],"created_at":"2026-02-13T00:00:00Z","updated_at":"2026-02-13T00:00:05Z"}]}`)
		}
	})
	mux.HandleFunc("/v1/cases/case-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","title":"Acme recon","target":"example.com","target_kind":"domain","status":"completed","requested_tools":["searxng","whois"],"tool_results":[{"tool":"searxng","status":"success","results":[{"url":"https://a"},{"url":"https://b"}],"duration_ms":12},{"tool":"whois","status":"error","error":"binary not found","duration_ms":1}],"synthesized":true}`)
	})
	mux.HandleFunc("/v1/cases/case-1/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","status":"processing","tools_completed":["searxng"],"tools_failed":[],"tools_pending":["whois"],"report_ready":false}`)
	})
	mux.HandleFunc("/v1/cases/case-1/report", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","status":"completed","synthesized":true,"report":"# Findings\n\nTwo hosts found."}`)
	})
	mux.HandleFunc("/v1/cases/case-2/report", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_REF_NOT_FOUND","message":"report not ready"}}`)
	})
	mux.HandleFunc("/v1/cases/case-1/watch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","type":"snapshot","sequence":1,"progress":{"case_id":"case-1","status":"processing","tools_completed":[],"tools_failed":[],"tools_pending":["searxng"]}}`+"\n")
		_, _ = io.WriteString(w, `{"schema_version":"v1","type":"terminal","sequence":2,"progress":{"case_id":"case-1","status":"completed","tools_completed":["searxng"],"tools_failed":[],"tools_pending":[],"report_ready":true}}`+"\n")
	})
	mux.HandleFunc("/v1/cases/case-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("cancel expects POST, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","status":"error","message":"investigation cancelled"}`)
	})
	mux.HandleFunc("/v1/cases/case-1/logs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","logs":[{"id":1,"step":"case_created","details":{},"created_at":"2026-02-13T00:00:00Z"},{"id":2,"tool":"searxng","status":"success","step":"tool_completed","details":{},"created_at":"2026-02-13T00:00:01Z"}]}`)
	})
	mux.HandleFunc("/v1/cases/case-1/tools/searxng", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"case-1","tool":"searxng","status":"success","results":[{"url":"https://a"}],"duration_ms":12,"raw_output":"{\"results\":[]}"}`)
	})
	mux.HandleFunc("/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","available_tools":[{"name":"searxng","kind":"remote-http","description":"metasearch"},{"name":"whois","kind":"local-process","description":"registration data"}]}`)
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","status":"degraded","components":{"api":"ok","llm":"error","store":"ok","couchdb":"disabled"}}`)
	})
	mux.HandleFunc("/v1/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","llm_provider":"ollama","llm_model":"llama3.2:3b","llm_url":"http://localhost:11434","available_tools":[{"name":"searxng"}],"api_key_required":true,"databases":{"sqlite":true,"couchdb":false}}`)
	})
	mux.HandleFunc("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat: %v", err)
		}
		if req.Message != "what next for example.com" || req.Context == nil || req.Context.Target != "example.com" {
			t.Errorf("unexpected chat request: %+v", req)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","response":"Run whois.","model":"llama3.2:3b","target_kind":"domain","suggested_tools":["whois"]}`)
	})
	return mux
}

func runCLI(t *testing.T, d *fakeDaemon, args ...string) (int, string, string) {
	t.Helper()
	srv := httptest.NewServer(d.handler(t))
	t.Cleanup(srv.Close)
	var out, errOut bytes.Buffer
	r := NewRunnerWithClient(srv.Client(), &out, &errOut)
	r.getenv = func(string) string { return "" }
	r.interactive = func() bool { return false }
	code := r.Run(context.Background(), append([]string{"--server", srv.URL}, args...))
	return code, out.String(), errOut.String()
}

func TestInvestigateSendsRequest(t *testing.T) {
	d := &fakeDaemon{}
	code, out, errOut := runCLI(t, d, "--api-key", "secret", "investigate",
		"--target", "example.com", "--tool", "searxng,whois", "--tool", "sherlock",
		"--option", "searxng.num_results=5", "--option", "spiderfoot.usecase=all")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, errOut)
	}
	if !strings.Contains(out, "case case-1 queued") {
		t.Fatalf("unexpected output: %q", out)
	}
	if len(d.created) != 1 {
		t.Fatalf("expected one create request, got %d", len(d.created))
	}
	req := d.created[0]
	if req.Title != "Investigation of example.com" {
		t.Fatalf("unexpected default title %q", req.Title)
	}
	if strings.Join(req.Tools, ",") != "searxng,whois,sherlock" {
		t.Fatalf("unexpected tools %v", req.Tools)
	}
	if req.ToolOptions["searxng"]["num_results"] != float64(5) || req.ToolOptions["spiderfoot"]["usecase"] != "all" {
		t.Fatalf("unexpected options %+v", req.ToolOptions)
	}
	if d.apiKeys[0] != "secret" {
		t.Fatalf("expected api key header, got %q", d.apiKeys[0])
	}
}

func TestInvestigateRequiresTargetAndTools(t *testing.T) {
	code, _, errOut := runCLI(t, &fakeDaemon{}, "investigate", "--tool", "searxng")
	if code != 2 || !strings.Contains(errOut, "--target is required") {
		t.Fatalf("expected usage error, got %d %q", code, errOut)
	}
	code, _, errOut = runCLI(t, &fakeDaemon{}, "investigate", "--target", "example.com")
	if code != 2 || !strings.Contains(errOut, "--tool") {
		t.Fatalf("expected usage error, got %d %q", code, errOut)
	}
	code, _, errOut = runCLI(t, &fakeDaemon{}, "investigate", "--target", "example.com", "--tool", "x", "--option", "bad")
	if code != 2 || !strings.Contains(errOut, "tool.key=value") {
		t.Fatalf("expected option usage error, got %d %q", code, errOut)
	}
}

func TestInvestigateWatchPlain(t *testing.T) {
	code, out, errOut := runCLI(t, &fakeDaemon{}, "investigate", "--target", "example.com", "--tool", "searxng", "--watch")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", code, errOut)
	}
	if !strings.Contains(out, "completed=searxng") || !strings.Contains(out, "report ready") {
		t.Fatalf("expected watch lines, got %q", out)
	}
}

func TestCasesAndShow(t *testing.T) {
	code, out, _ := runCLI(t, &fakeDaemon{}, "cases", "--limit", "5")
	if code != 0 || !strings.Contains(out, "case-1") || !strings.Contains(out, "searxng,whois") {
		t.Fatalf("unexpected cases output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "show", "case-1")
	if code != 0 {
		t.Fatalf("show exit %d", code)
	}
	for _, want := range []string{"Acme recon", "example.com (domain)", "2 records", "binary not found"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q: %q", want, out)
		}
	}
}

func TestStatusAndJSON(t *testing.T) {
	code, out, _ := runCLI(t, &fakeDaemon{}, "status", "case-1")
	if code != 0 || !strings.Contains(out, "pending=whois") {
		t.Fatalf("unexpected status output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "--json", "status", "case-1")
	if code != 0 {
		t.Fatalf("json status exit %d", code)
	}
	var st api.CaseStatusResponse
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if st.Status != "processing" || len(st.ToolsPending) != 1 {
		t.Fatalf("unexpected json status %+v", st)
	}
}

func TestReportRawAndRendered(t *testing.T) {
	code, out, _ := runCLI(t, &fakeDaemon{}, "report", "case-1", "--raw")
	if code != 0 || !strings.HasPrefix(out, "# Findings") {
		t.Fatalf("unexpected raw report %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "report", "case-1")
	if code != 0 || !strings.Contains(out, "Findings") || strings.HasPrefix(out, "# Findings") {
		t.Fatalf("expected rendered report, got %d %q", code, out)
	}
}

func TestReportNotReady(t *testing.T) {
	code, _, errOut := runCLI(t, &fakeDaemon{}, "report", "case-2")
	if code != 1 || !strings.Contains(errOut, "not available yet") {
		t.Fatalf("unexpected result %d %q", code, errOut)
	}
}

func TestCancelLogsToolOutput(t *testing.T) {
	code, out, _ := runCLI(t, &fakeDaemon{}, "cancel", "case-1")
	if code != 0 || !strings.Contains(out, "investigation cancelled") {
		t.Fatalf("unexpected cancel output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "logs", "case-1")
	if code != 0 || !strings.Contains(out, "case_created") || !strings.Contains(out, "tool_completed\tsearxng\tsuccess") {
		t.Fatalf("unexpected logs output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "tool-output", "case-1", "searxng")
	if code != 0 || !strings.Contains(out, "https://a") || !strings.Contains(out, "raw output") {
		t.Fatalf("unexpected tool output %d %q", code, out)
	}
}

func TestToolsHealthConfig(t *testing.T) {
	code, out, _ := runCLI(t, &fakeDaemon{}, "tools")
	if code != 0 || !strings.Contains(out, "searxng\tremote-http") || !strings.Contains(out, "whois\tlocal-process") {
		t.Fatalf("unexpected tools output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "health")
	if code != 0 || !strings.Contains(out, "status\tdegraded") || !strings.Contains(out, "llm\terror") {
		t.Fatalf("unexpected health output %d %q", code, out)
	}
	code, out, _ = runCLI(t, &fakeDaemon{}, "config")
	if code != 0 || !strings.Contains(out, "api_key_required\ttrue") || !strings.Contains(out, "databases\tsqlite") {
		t.Fatalf("unexpected config output %d %q", code, out)
	}
}

func TestChat(t *testing.T) {
	code, out, errOut := runCLI(t, &fakeDaemon{}, "chat", "--raw", "--target", "example.com", "what", "next", "for", "example.com")
	if code != 0 {
		t.Fatalf("chat exit %d (%s)", code, errOut)
	}
	if !strings.Contains(out, "Run whois.") || !strings.Contains(out, "suggested tools: whois") {
		t.Fatalf("unexpected chat output %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	code, _, errOut := runCLI(t, &fakeDaemon{}, "show")
	if code != 2 || !strings.Contains(errOut, "loom show <case-id>") {
		t.Fatalf("expected usage error, got %d %q", code, errOut)
	}
	code, _, _ = runCLI(t, &fakeDaemon{}, "cases", "--bogus")
	if code != 2 {
		t.Fatalf("expected exit 2 for unknown flag, got %d", code)
	}
}

func TestDaemonErrorExitCode(t *testing.T) {
	code, _, errOut := runCLI(t, &fakeDaemon{}, "show", "missing")
	if code != 1 || !strings.Contains(errOut, "error:") {
		t.Fatalf("expected exit 1, got %d %q", code, errOut)
	}
}

func TestParseToolOptions(t *testing.T) {
	opts, err := parseToolOptions([]string{"a.n=3", "a.flag=true", "b.s=x=y"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts["a"]["n"] != 3 || opts["a"]["flag"] != true || opts["b"]["s"] != "x=y" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := parseToolOptions([]string{".k=v"}); err == nil {
		t.Fatalf("expected error for missing tool name")
	}
}
