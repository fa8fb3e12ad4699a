package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/signin/internal/domain"
	"github.com/sumire/signin/internal/service"
)

type fakeLogin struct {
	loginErr   error
	lastToken  string
	sessions   map[string]string
	users      map[string]*domain.User
	currentErr error
}

func newFakeLogin() *fakeLogin {
	return &fakeLogin{
		sessions: map[string]string{"good-session": "u-1"},
		users: map[string]*domain.User{
			"u-1": {ID: "u-1", ProviderID: "g-123", Email: "a@x.com", DisplayName: "A"},
		},
	}
}

func (f *fakeLogin) Login(_ context.Context, raw string) (*service.LoginResult, error) {
	f.lastToken = raw
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &service.LoginResult{
		SessionToken: "good-session",
		ExpiresAt:    time.Date(2026, 10, 25, 12, 0, 0, 0, time.UTC),
		User:         service.NewUserView(f.users["u-1"]),
	}, nil
}

func (f *fakeLogin) Authenticate(token string) (string, error) {
	id, ok := f.sessions[token]
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}

func (f *fakeLogin) CurrentUser(_ context.Context, id string) (*domain.User, error) {
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

type fakeExchanger struct {
	token string
	err   error
	codes []string
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (string, error) {
	f.codes = append(f.codes, code)
	return f.token, f.err
}

func newTestServer(login *fakeLogin, exchange CodeExchanger) *echo.Echo {
	e := echo.New()
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = HTTPErrorHandler
	RegisterAuthRoutes(e.Group("/api/v1"), NewAuthHandler(login, exchange), login)
	return e
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (map[string]any, *APIError) {
	t.Helper()
	var body struct {
		Data  map[string]any `json:"data"`
		Error *APIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Data, body.Error
}

func postLogin(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/google", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestLogin_Success(t *testing.T) {
	login := newFakeLogin()
	e := newTestServer(login, nil)

	rec := do(e, postLogin(`{"id_token":"raw.id.token"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw.id.token", login.lastToken)

	data, apiErr := decodeEnvelope(t, rec)
	assert.Nil(t, apiErr)
	assert.Equal(t, "good-session", data["session_token"])
	user, ok := data["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "g-123", user["provider_id"])
	assert.Equal(t, "a@x.com", user["email"])
}

func TestLogin_VerificationFailureIsUniform(t *testing.T) {
	reasons := []domain.VerificationReason{
		domain.ReasonSignature,
		domain.ReasonExpired,
		domain.ReasonAudience,
		domain.ReasonKeyFetch,
	}

	for _, reason := range reasons {
		t.Run(string(reason), func(t *testing.T) {
			login := newFakeLogin()
			login.loginErr = &domain.VerificationError{Reason: reason, Err: errors.New("detail")}
			e := newTestServer(login, nil)

			rec := do(e, postLogin(`{"id_token":"raw"}`))

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			_, apiErr := decodeEnvelope(t, rec)
			require.NotNil(t, apiErr)
			assert.Equal(t, "unauthorized", apiErr.Code)
			assert.Equal(t, "Invalid credentials", apiErr.Message)
			assert.NotContains(t, rec.Body.String(), string(reason))
			assert.NotContains(t, rec.Body.String(), "detail")
		})
	}
}

func TestLogin_StorageFailureIs500(t *testing.T) {
	login := newFakeLogin()
	login.loginErr = &domain.StorageError{Op: "reconcile user", Err: errors.New("connection refused")}
	e := newTestServer(login, nil)

	rec := do(e, postLogin(`{"id_token":"raw"}`))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	_, apiErr := decodeEnvelope(t, rec)
	require.NotNil(t, apiErr)
	assert.Equal(t, "internal_error", apiErr.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestLogin_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "missing token", body: `{}`, code: "validation_error"},
		{name: "empty token", body: `{"id_token":""}`, code: "validation_error"},
		{name: "malformed json", body: `{"id_token":`, code: "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			login := newFakeLogin()
			e := newTestServer(login, nil)

			rec := do(e, postLogin(tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			_, apiErr := decodeEnvelope(t, rec)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Empty(t, login.lastToken)
		})
	}
}

func TestMe(t *testing.T) {
	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid session", header: "Bearer good-session", status: http.StatusOK},
		{name: "lowercase scheme", header: "bearer good-session", status: http.StatusOK},
		{name: "no header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good-session", status: http.StatusUnauthorized},
		{name: "unknown session", header: "Bearer forged", status: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(newFakeLogin(), nil)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := do(e, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				data, _ := decodeEnvelope(t, rec)
				assert.Equal(t, "u-1", data["id"])
				assert.Equal(t, "A", data["display_name"])
			}
		})
	}
}

func TestMe_UserGone(t *testing.T) {
	login := newFakeLogin()
	login.currentErr = domain.ErrNotFound
	e := newTestServer(login, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-session")
	rec := do(e, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGoogleRedirect_SetsStateCookie(t *testing.T) {
	e := newTestServer(newFakeLogin(), &fakeExchanger{})

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/v1/auth/google/redirect", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "https://accounts.example.com/auth?state="+cookies[0].Value, rec.Header().Get(echo.HeaderLocation))
}

func callbackRequest(query, cookieState string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/google/callback?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: cookieState})
	}
	return req
}

func TestGoogleCallback_Success(t *testing.T) {
	login := newFakeLogin()
	exchange := &fakeExchanger{token: "raw.from.code"}
	e := newTestServer(login, exchange)

	rec := do(e, callbackRequest("code=abc&state=s1", "s1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc"}, exchange.codes)
	assert.Equal(t, "raw.from.code", login.lastToken)

	data, _ := decodeEnvelope(t, rec)
	assert.Equal(t, "good-session", data["session_token"])
}

func TestGoogleCallback_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		cookie   string
		exchange *fakeExchanger
		status   int
	}{
		{name: "no cookie", query: "code=abc&state=s1", status: http.StatusBadRequest},
		{name: "state mismatch", query: "code=abc&state=s2", cookie: "s1", status: http.StatusBadRequest},
		{name: "missing code", query: "state=s1", cookie: "s1", status: http.StatusBadRequest},
		{
			name:     "code rejected by provider",
			query:    "code=abc&state=s1",
			cookie:   "s1",
			exchange: &fakeExchanger{err: domain.ErrUnauthorized},
			status:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchange := tt.exchange
			if exchange == nil {
				exchange = &fakeExchanger{token: "raw"}
			}
			login := newFakeLogin()
			e := newTestServer(login, exchange)

			rec := do(e, callbackRequest(tt.query, tt.cookie))

			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, login.lastToken)
		})
	}
}

func TestCodeFlowDisabled(t *testing.T) {
	e := newTestServer(newFakeLogin(), nil)

	for _, path := range []string{"/api/v1/auth/google/redirect", "/api/v1/auth/google/callback?code=a&state=s"} {
		rec := do(e, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	e := echo.New()
	e.GET("/health", Health(fakePinger{}))
	rec := do(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	e = echo.New()
	e.GET("/health", Health(fakePinger{err: errors.New("down")}))
	rec = do(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
