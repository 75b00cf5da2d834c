package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/auth"
	"github.com/sakif/farmsync/internal/handler"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAuth records what the handler asked for.
type MockAuth struct {
	CapturedInput service.RegisterInput
	RegisterErr   error
	SignInErr     error
	GitHubUser    *auth.GitHubUser
	SignOuts      int
}

func (m *MockAuth) Register(ctx context.Context, in service.RegisterInput) (*model.Account, error) {
	m.CapturedInput = in
	if m.RegisterErr != nil {
		return nil, m.RegisterErr
	}
	return &model.Account{UID: "uid-1", Email: in.Email}, nil
}

func (m *MockAuth) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.SignInErr != nil {
		return nil, m.SignInErr
	}
	return &model.Identity{UID: "uid-1", Email: email}, nil
}

func (m *MockAuth) SignInGitHub(ctx context.Context, gh *auth.GitHubUser) (*model.Identity, error) {
	m.GitHubUser = gh
	return &model.Identity{UID: "gh-1"}, nil
}

func (m *MockAuth) SignOut(ctx context.Context) { m.SignOuts++ }

type MockGitHub struct {
	ExchangeErr error
}

func (m *MockGitHub) AuthURL(state string) string {
	return "https://github.example/authorize?state=" + state
}

func (m *MockGitHub) Exchange(ctx context.Context, code string) (*auth.GitHubUser, error) {
	if m.ExchangeErr != nil {
		return nil, m.ExchangeErr
	}
	return &auth.GitHubUser{ID: 42, Login: "ana"}, nil
}

func TestAuthHandler_HandleRegister(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		mock := &MockAuth{}
		h := handler.NewAuthHandler(mock, nil, testLogger())

		body := `{"farmerName":"Ana","farmName":"North","email":"ana@example.com","password":"secret1",
			"confirmPassword":"secret1","cropType":"Rice","polygon":[[0,0],[1,0],[1,1]]}`
		rr := httptest.NewRecorder()
		h.HandleRegister(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusCreated, rr.Code)
		var id model.Identity
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&id))
		assert.Equal(t, "uid-1", id.UID)
		assert.Equal(t, []model.Point{{0, 0}, {1, 0}, {1, 1}}, mock.CapturedInput.Polygon)
		assert.Equal(t, "Rice", mock.CapturedInput.CropType)
	})

	t.Run("validation error names the field", func(t *testing.T) {
		mock := &MockAuth{RegisterErr: apperror.ValidationFailed("polygon", "draw at least 3 points around your field")}
		h := handler.NewAuthHandler(mock, nil, testLogger())

		rr := httptest.NewRecorder()
		h.HandleRegister(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{}`)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var res handler.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, "validation_error", res.Error)
		assert.Equal(t, "polygon", res.Field)
	})

	t.Run("duplicate email", func(t *testing.T) {
		mock := &MockAuth{RegisterErr: apperror.Conflict("account", "ana@example.com")}
		h := handler.NewAuthHandler(mock, nil, testLogger())

		rr := httptest.NewRecorder()
		h.HandleRegister(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{}`)))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		h := handler.NewAuthHandler(&MockAuth{}, nil, testLogger())

		rr := httptest.NewRecorder()
		h.HandleRegister(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{"farmerName":`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("internal error is hidden", func(t *testing.T) {
		mock := &MockAuth{RegisterErr: errors.New("sqlite: disk I/O error at /var/data")}
		h := handler.NewAuthHandler(mock, nil, testLogger())

		rr := httptest.NewRecorder()
		h.HandleRegister(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{}`)))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "/var/data")
	})
}

func TestAuthHandler_HandleLogin(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := handler.NewAuthHandler(&MockAuth{}, nil, testLogger())

		rr := httptest.NewRecorder()
		body := `{"email":"ana@example.com","password":"secret1"}`
		h.HandleLogin(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"uid":"uid-1"`)
	})

	t.Run("bad credentials", func(t *testing.T) {
		h := handler.NewAuthHandler(&MockAuth{SignInErr: apperror.Unauthorized("invalid email or password")}, nil, testLogger())

		rr := httptest.NewRecorder()
		body := `{"email":"ana@example.com","password":"nope"}`
		h.HandleLogin(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestAuthHandler_HandleLogout(t *testing.T) {
	mock := &MockAuth{}
	h := handler.NewAuthHandler(mock, nil, testLogger())

	rr := httptest.NewRecorder()
	h.HandleLogout(rr, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, mock.SignOuts)
}

func TestAuthHandler_GitHubFlow(t *testing.T) {
	mock := &MockAuth{}
	h := handler.NewAuthHandler(mock, &MockGitHub{}, testLogger())
	assert.True(t, h.GitHubEnabled())

	rr := httptest.NewRecorder()
	h.HandleGitHubLogin(rr, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	state := cookies[0].Value
	assert.Contains(t, rr.Header().Get("Location"), "state="+state)

	t.Run("state mismatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=c&state=other", nil)
		req.AddCookie(cookies[0])
		rr := httptest.NewRecorder()
		h.HandleGitHubCallback(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?error=access_denied&state="+state, nil)
		req.AddCookie(cookies[0])
		rr := httptest.NewRecorder()
		h.HandleGitHubCallback(rr, req)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/?auth=denied", rr.Header().Get("Location"))
	})

	t.Run("signed in", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=c&state="+state, nil)
		req.AddCookie(cookies[0])
		rr := httptest.NewRecorder()
		h.HandleGitHubCallback(rr, req)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		require.NotNil(t, mock.GitHubUser)
		assert.Equal(t, int64(42), mock.GitHubUser.ID)
	})
}

func TestAuthHandler_GitHubExchangeFails(t *testing.T) {
	h := handler.NewAuthHandler(&MockAuth{}, &MockGitHub{ExchangeErr: errors.New("bad code")}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=c&state=s", nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "s"})
	rr := httptest.NewRecorder()
	h.HandleGitHubCallback(rr, req)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}
