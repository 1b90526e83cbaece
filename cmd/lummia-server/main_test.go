package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lummia/lummia/internal/config"
	"github.com/lummia/lummia/internal/domain/risk"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:             env,
		StoreDriver:     config.DriverSQLite,
		SQLitePath:      ":memory:",
		CORSOrigins:     []string{"http://localhost:3000"},
		RegistryBaseURL: "http://127.0.0.1:1",
		RegistryTimeout: time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  100,
		RequestTimeout:  5 * time.Second,
		BodyLimit:       "64K",
	}
}

// newTestServer opens an in-memory store seeded with a few codes and returns
// the assembled server.
func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.close)

	im := risk.NewImporter(st.writer("shared"), zerolog.Nop())
	_, err = im.ImportSanitary(ctx, risk.SanitaryFiles{
		Questions: strings.NewReader("numero,texto\n1,Does the activity handle food?\n"),
		Options:   strings.NewReader("numero_pergunta,texto_resposta,risco_resultante\n1,Yes,III\n1,No,I\n"),
		Codes: strings.NewReader("codigo,descricao,risco_base\n" +
			"4713-0/02,Department stores,III\n0111-3/02,Corn farming,P\n4721-1/02,Bakeries,I\n"),
		Links: strings.NewReader("codigo_cnae,numero_pergunta\n0111-3/02,1\n"),
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	return newServer(cfg, st, zerolog.Nop(), stop)
}

func serve(e *echo.Echo, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := serve(e, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestServer_HealthDBReportsDriver(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodGet, "/health/db", "", nil)
	if !strings.Contains(rec.Body.String(), `"sqlite"`) {
		t.Errorf("expected sqlite driver in %s", rec.Body.String())
	}
}

func TestServer_Classify(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodPost, "/api/v1/risk/classify", `{"codes":["4713-0/02","4721102"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp risk.ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if !resp.Overall.Determined || resp.Overall.Tier != risk.TierIII {
		t.Errorf("expected determined III, got %+v", resp.Overall)
	}
}

func TestServer_ClassifyPendingNeedsAnswers(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodPost, "/api/v1/risk/classify", `{"codes":["0111302"]}`, nil)
	var resp risk.ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Overall.Determined {
		t.Error("expected undetermined overall risk")
	}
	if len(resp.RequiredQuestions) != 1 || resp.RequiredQuestions[0].Number != 1 {
		t.Errorf("expected question 1, got %+v", resp.RequiredQuestions)
	}

	rec = serve(e, http.MethodPost, "/api/v1/risk/resolve", `{"codes":["0111302"],"answers":{"1":"No"}}`, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Overall.Determined || resp.Overall.Tier != risk.TierI {
		t.Errorf("expected determined I after answering, got %+v", resp.Overall)
	}
}

func TestServer_RejectsInvalidBody(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodPost, "/api/v1/risk/classify", `{"codes":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestServer_ReferenceRoutesInDevelopment(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodGet, "/api/v1/reference/integrity", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"healthy":true`) {
		t.Errorf("expected healthy report, got %s", rec.Body.String())
	}
}

func TestServer_ReferenceRoutesRequireToken(t *testing.T) {
	cfg := testConfig("production")
	cfg.AuthSigningKey = "test-signing-key"
	e := newTestServer(t, cfg)

	rec := serve(e, http.MethodGet, "/api/v1/reference/cnaes", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// The public classifier stays open.
	rec = serve(e, http.MethodPost, "/api/v1/risk/classify", `{"codes":["4721102"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for public classify, got %d", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "analyst-1",
		"tenant_id": "default",
		"roles":     []string{"analyst"},
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = serve(e, http.MethodGet, "/api/v1/reference/cnaes?_count=2", "", http.Header{
		"Authorization": []string{"Bearer " + signed},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"total":3`) {
		t.Errorf("expected total of 3 codes, got %s", rec.Body.String())
	}
}

func TestServer_CNPJLookupUpstreamDown(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, http.MethodGet, "/api/v1/risk/cnpj/11222333000181", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when the registry is unreachable, got %d", rec.Code)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig("development")
	cfg.StoreDriver = "mongo"
	if _, err := openStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestSubcommands(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		want []string
	}{
		{migrateCmd(), []string{"up", "status"}},
		{tenantCmd(), []string{"create"}},
		{importCmd(), []string{"sanitary", "environmental", "exemptions"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.Use, func(t *testing.T) {
			have := make(map[string]bool)
			for _, sub := range tt.cmd.Commands() {
				have[sub.Name()] = true
			}
			for _, name := range tt.want {
				if !have[name] {
					t.Errorf("missing subcommand %q", name)
				}
			}
		})
	}
}

func TestImportRejectsInvalidSchema(t *testing.T) {
	cmd := importCmd()
	cmd.SetArgs([]string{"exemptions", "--schema", "shared; DROP TABLE cnae"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid schema name") {
		t.Errorf("expected invalid schema error, got %v", err)
	}
}
