package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dailyshop/backend/internal/cache"
	"dailyshop/backend/internal/domain"
	"dailyshop/backend/internal/lock"
	"dailyshop/backend/internal/logx"
	"dailyshop/backend/internal/service"
	"dailyshop/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := logx.NewWithOutput("error", "json", io.Discard)
	repo := memory.NewSeeded(nil)
	svc := service.New(repo, lock.NewKeyedMutex(), cache.NoopDashboardCache{}, logger)
	auth := NewAuthManager(context.Background(), "test-secret-key-that-is-long-enough", time.Hour, repo, logger)

	return New(svc, auth, logger, Options{AllowedOrigin: "*"})
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d (body: %s)", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			payload, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(payload)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, res.Body.String())
	}
}

func expectError(t *testing.T, res *httptest.ResponseRecorder, status int, contains string) {
	t.Helper()
	if res.Code != status {
		t.Fatalf("expected %d, got %d (body: %s)", status, res.Code, res.Body.String())
	}
	var env envelope
	decodeBody(t, res, &env)
	if env.Success {
		t.Fatalf("expected success=false in error envelope")
	}
	if contains != "" && !strings.Contains(env.Message, contains) {
		t.Fatalf("expected message containing %q, got %q", contains, env.Message)
	}
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	res := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	expectError(t, res, http.StatusUnauthorized, "invalid credentials")
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	res := doJSON(t, handler, http.MethodGet, "/api/v1/pos/dashboard", "", nil)
	expectError(t, res, http.StatusUnauthorized, "missing bearer token")

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/dashboard", "not-a-jwt", nil)
	expectError(t, res, http.StatusUnauthorized, "")
}

func TestDailySessionLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{"start_cash": "100.00"})
	if res.Code != http.StatusCreated {
		t.Fatalf("open session expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var opened struct {
		Success bool                `json:"success"`
		Session domain.DailySession `json:"session"`
	}
	decodeBody(t, res, &opened)
	if !opened.Success || opened.Session.ID == "" || !opened.Session.IsOpen() {
		t.Fatalf("unexpected open response %+v", opened)
	}

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{"start_cash": 100})
	expectError(t, res, http.StatusConflict, "already open")

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/daily-consignments", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list lines expected 200, got %d", res.Code)
	}
	var lines []domain.OpenLineView
	decodeBody(t, res, &lines)
	if len(lines) != 0 {
		t.Fatalf("expected no open lines before stock-in, got %d", len(lines))
	}

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/daily-consignments", token, map[string]any{
		"product_name":  "Risoles",
		"initial_stock": 50,
		"selling_price": "5.00",
		"base_price":    "3.00",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("add line expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var line domain.ConsignmentLine
	decodeBody(t, res, &line)

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/daily-consignments", token, nil)
	decodeBody(t, res, &lines)
	if len(lines) != 1 || lines[0].ID != line.ID || lines[0].RemainingStock != 50 {
		t.Fatalf("unexpected open lines %+v", lines)
	}

	closePath := "/api/v1/pos/sessions/" + opened.Session.ID + "/close"
	res = doJSON(t, handler, http.MethodPost, closePath, token, map[string]any{
		"items":       []map[string]any{{"line_id": line.ID, "remaining_stock": 60}},
		"actual_cash": "305.00",
	})
	expectError(t, res, http.StatusUnprocessableEntity, "exceeds initial stock")

	res = doJSON(t, handler, http.MethodPost, closePath, token, map[string]any{
		"items":       []map[string]any{{"line_id": line.ID, "remaining_stock": 10}},
		"actual_cash": "305.00",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("close expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var result domain.ClosureResult
	decodeBody(t, res, &result)
	if !result.Success {
		t.Fatalf("expected success=true")
	}
	if result.Message != "Shop closed successfully. Profit: 80.00, Cash variance: +5.00" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if !result.ExpectedCash.Equal(decimal.RequireFromString("300")) || !result.CashVariance.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected cash figures expected=%s variance=%s", result.ExpectedCash, result.CashVariance)
	}

	res = doJSON(t, handler, http.MethodPost, closePath, token, map[string]any{"items": []any{}, "actual_cash": "305.00"})
	expectError(t, res, http.StatusConflict, "already closed")

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/sessions/"+opened.Session.ID, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get session expected 200, got %d", res.Code)
	}
	var detail domain.SessionDetail
	decodeBody(t, res, &detail)
	if detail.Session.Status() != domain.SessionStatusClosed || len(detail.Lines) != 1 {
		t.Fatalf("unexpected session detail %+v", detail)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/sessions/open", token, nil)
	expectError(t, res, http.StatusNotFound, "no open shop session")
}

func TestCloseUnknownSessionIsNotAShopSession(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions/line-123/close", token, map[string]any{"items": []any{}, "actual_cash": "0"})
	expectError(t, res, http.StatusNotFound, "not a shop session")
}

func TestRequestValidation(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{})
	expectError(t, res, http.StatusUnprocessableEntity, "start_cash")

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, `{"start_cash":"1.00","float":"x"}`)
	expectError(t, res, http.StatusBadRequest, "unknown field")

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{"start_cash": "-5"})
	expectError(t, res, http.StatusUnprocessableEntity, "start_cash")

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{"start_cash": "1000000000000"})
	expectError(t, res, http.StatusUnprocessableEntity, "start_cash must be <=")

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions/sess-x/close", token, map[string]any{
		"items":       []map[string]any{{"line_id": "line-1"}},
		"actual_cash": "1.00",
	})
	expectError(t, res, http.StatusUnprocessableEntity, "remaining_stock")

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/daily-consignments?date=yesterday", token, nil)
	expectError(t, res, http.StatusBadRequest, "YYYY-MM-DD")
}

func TestAddLineWithoutOpenSession(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := doJSON(t, handler, http.MethodPost, "/api/v1/pos/daily-consignments", token, map[string]any{
		"product_name":  "Klepon",
		"initial_stock": 5,
		"selling_price": "1.00",
		"base_price":    "0.50",
	})
	expectError(t, res, http.StatusNotFound, "open a shop session first")
}

func TestOtherOperatorLinesRequireAdmin(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "cashier", "cashier123")
	admin := login(t, handler, "admin", "admin123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/pos/daily-consignments?user_id=admin", cashier, nil)
	expectError(t, res, http.StatusForbidden, "")

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/daily-consignments?user_id=cashier&date=2026-10-14", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("admin read expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestAdminRoutes(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "cashier", "cashier123")
	admin := login(t, handler, "admin", "admin123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", cashier, nil)
	expectError(t, res, http.StatusForbidden, "forbidden role")

	res = doJSON(t, handler, http.MethodPost, "/api/v1/pos/sessions", cashier, map[string]any{"start_cash": "10.00"})
	if res.Code != http.StatusCreated {
		t.Fatalf("open session expected 201, got %d", res.Code)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("audit logs expected 200, got %d", res.Code)
	}
	var logs struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	decodeBody(t, res, &logs)
	if len(logs.Logs) != 1 || logs.Logs[0].Action != "session_open" {
		t.Fatalf("unexpected audit logs %+v", logs.Logs)
	}

	res = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "kasir2", Password: "secret12"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create cashier expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	res = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{Username: "kasir2", Password: "secret12"})
	expectError(t, res, http.StatusConflict, "already exists")

	login(t, handler, "kasir2", "secret12")
}

func TestPartnersAndDashboard(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := doJSON(t, handler, http.MethodGet, "/api/v1/partners", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("partners expected 200, got %d", res.Code)
	}
	var partners struct {
		Partners []domain.Partner `json:"partners"`
	}
	decodeBody(t, res, &partners)
	if len(partners.Partners) != 3 || partners.Partners[0].Name != "Aneka Snack" {
		t.Fatalf("unexpected partners %+v", partners.Partners)
	}

	res = doJSON(t, handler, http.MethodGet, "/api/v1/pos/dashboard", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("dashboard expected 200, got %d", res.Code)
	}
	var summary domain.DashboardSummary
	decodeBody(t, res, &summary)
	if summary.OperatorID != "cashier" || summary.OpenSession != nil {
		t.Fatalf("unexpected dashboard %+v", summary)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	handler := newTestAPI(t).Handler()

	res := doJSON(t, handler, http.MethodGet, "/api/v1/nothing-here", "", nil)
	expectError(t, res, http.StatusNotFound, "")

	res = doJSON(t, handler, http.MethodDelete, "/healthz", "", nil)
	expectError(t, res, http.StatusMethodNotAllowed, "method not allowed")
}
