package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sigml/Darowizna/internal/model"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"
	"github.com/Sigml/Darowizna/internal/pkg/token"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type mockUserStore struct {
	usersByEmail map[string]*model.User
	usersByID    map[uint]*model.User
	createCalls  int
	saveCalls    int
	createErr    error
}

func newMockUserStore(users ...*model.User) *mockUserStore {
	m := &mockUserStore{
		usersByEmail: map[string]*model.User{},
		usersByID:    map[uint]*model.User{},
	}
	for _, u := range users {
		m.usersByEmail[u.Email] = u
		m.usersByID[u.ID] = u
	}
	return m
}

func (m *mockUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if u, ok := m.usersByEmail[email]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	if u, ok := m.usersByID[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserStore) Create(ctx context.Context, user *model.User) error {
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	user.ID = uint(len(m.usersByID) + 1)
	m.usersByEmail[user.Email] = user
	m.usersByID[user.ID] = user
	return nil
}

func (m *mockUserStore) Save(ctx context.Context, user *model.User) error {
	m.saveCalls++
	m.usersByEmail[user.Email] = user
	m.usersByID[user.ID] = user
	return nil
}

type mockNotifier struct {
	verifyLinks []string
	resetLinks  []string
	sendErr     error
}

func (m *mockNotifier) SendVerificationLink(to, link string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.verifyLinks = append(m.verifyLinks, link)
	return nil
}

func (m *mockNotifier) SendResetLink(to, link string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.resetLinks = append(m.resetLinks, link)
	return nil
}

type mockSessions struct {
	epochs    map[uint]int64
	bumpCalls int
}

func (m *mockSessions) Current(ctx context.Context, userID uint) (int64, error) {
	if m.epochs == nil {
		return 0, nil
	}
	return m.epochs[userID], nil
}

func (m *mockSessions) Bump(ctx context.Context, userID uint) error {
	m.bumpCalls++
	if m.epochs == nil {
		m.epochs = map[uint]int64{}
	}
	m.epochs[userID]++
	return nil
}

func newTestHandler(store *mockUserStore, mailer *mockNotifier, sessions *mockSessions) (*Handler, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(
		store,
		token.NewIssuer("test-token-secret", time.Hour),
		mailer,
		sessions,
		nil,
		"test-jwt-secret",
		"http://localhost:8080",
		logger,
	)

	r := gin.New()
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.GET("/verify/:uid/:token", h.VerifyEmail)
	r.POST("/verify/resend", h.ResendVerification)
	r.POST("/password/forgot", h.ForgotPassword)
	r.POST("/password/reset/:uid/:token", h.ResetPassword)
	return h, r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func hashPassword(t *testing.T, pw string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func TestRegister_Normal(t *testing.T) {
	store := newMockUserStore()
	mailer := &mockNotifier{}
	_, r := newTestHandler(store, mailer, &mockSessions{})

	w := postJSON(t, r, "/register", gin.H{
		"email":                 "jan@example.com",
		"password":              "Haslo123!",
		"password_confirmation": "Haslo123!",
		"first_name":            "Jan",
		"last_name":             "Kowalski",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if store.createCalls != 1 {
		t.Fatalf("expected one create call, got %d", store.createCalls)
	}
	if len(mailer.verifyLinks) != 1 {
		t.Fatalf("expected one verification mail, got %d", len(mailer.verifyLinks))
	}
	if !strings.Contains(mailer.verifyLinks[0], "/verify/") {
		t.Fatalf("unexpected verification link %q", mailer.verifyLinks[0])
	}
	user := store.usersByEmail["jan@example.com"]
	if user == nil {
		t.Fatalf("expected user to be stored")
	}
	if user.IsVerified {
		t.Fatalf("new user must start unverified")
	}
	if user.Password == "Haslo123!" {
		t.Fatalf("password must be stored hashed")
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	existing := &model.User{ID: 1, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!")}
	store := newMockUserStore(existing)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/register", gin.H{
		"email":                 "jan@example.com",
		"password":              "Haslo123!",
		"password_confirmation": "Haslo123!",
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if store.createCalls != 0 {
		t.Fatalf("expected no create on duplicate, got %d", store.createCalls)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	store := newMockUserStore()
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/register", gin.H{
		"email":                 "jan@example.com",
		"password":              "abc",
		"password_confirmation": "abc",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "weak password") {
		t.Fatalf("expected weak password error, got %s", w.Body.String())
	}
	if store.createCalls != 0 {
		t.Fatalf("expected no create on weak password")
	}
}

func TestRegister_PasswordMismatch(t *testing.T) {
	store := newMockUserStore()
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/register", gin.H{
		"email":                 "jan@example.com",
		"password":              "Haslo123!",
		"password_confirmation": "Inne123!",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegister_MailFailureKeepsAccount(t *testing.T) {
	store := newMockUserStore()
	mailer := &mockNotifier{sendErr: io.ErrClosedPipe}
	_, r := newTestHandler(store, mailer, &mockSessions{})

	w := postJSON(t, r, "/register", gin.H{
		"email":                 "jan@example.com",
		"password":              "Haslo123!",
		"password_confirmation": "Haslo123!",
	})

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if store.createCalls != 1 {
		t.Fatalf("account must survive a mail failure, createCalls=%d", store.createCalls)
	}
}

func TestVerifyEmail_Normal(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!")}
	store := newMockUserStore(user)
	h, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	tok := h.tokens.Issue(user.ID, user.TokenState())
	req := httptest.NewRequest(http.MethodGet, "/verify/"+token.EncodeUID(user.ID)+"/"+tok, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !user.IsVerified {
		t.Fatalf("expected user to be marked verified")
	}
	if !strings.Contains(w.Body.String(), "token") {
		t.Fatalf("expected session token in response, got %s", w.Body.String())
	}
}

func TestVerifyEmail_TamperedToken(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!")}
	store := newMockUserStore(user)
	h, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	tok := h.tokens.Issue(user.ID, user.TokenState())
	req := httptest.NewRequest(http.MethodGet, "/verify/"+token.EncodeUID(user.ID)+"/"+tok+"ff", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if user.IsVerified {
		t.Fatalf("tampered link must not verify the user")
	}
	if store.saveCalls != 0 {
		t.Fatalf("expected no save on tampered link")
	}
}

func TestVerifyEmail_TokenDiesWithStateChange(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!")}
	store := newMockUserStore(user)
	h, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	tok := h.tokens.Issue(user.ID, user.TokenState())
	// 密码变更后旧链接必须失效
	user.Password = hashPassword(t, "NoweHaslo123!")

	req := httptest.NewRequest(http.MethodGet, "/verify/"+token.EncodeUID(user.ID)+"/"+tok, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after state change, got %d", w.Code)
	}
	if user.IsVerified {
		t.Fatalf("stale link must not verify the user")
	}
}

func TestVerifyEmail_VerifiedStateNotDisclosed(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	// 无效链接不能得到 "already verified"，账号状态不外泄
	req := httptest.NewRequest(http.MethodGet, "/verify/"+token.EncodeUID(user.ID)+"/garbage", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad link against a verified account, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "verified") {
		t.Fatalf("response must not reveal verification state, got %s", w.Body.String())
	}
}

func TestLogin_UnverifiedBlocked(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!")}
	store := newMockUserStore(user)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/login", gin.H{"email": "jan@example.com", "password": "Haslo123!"})

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unverified login, got %d", w.Code)
	}
}

func TestLogin_Normal(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/login", gin.H{"email": "jan@example.com", "password": "Haslo123!"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("expected jwt in response, got %s", w.Body.String())
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/login", gin.H{"email": "jan@example.com", "password": "zle-haslo"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	store := newMockUserStore()
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/password/forgot", gin.H{"email": "nieznany@example.com"})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "user not found") {
		t.Fatalf("expected explicit user not found, got %s", w.Body.String())
	}
}

func TestForgotPassword_Normal(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	mailer := &mockNotifier{}
	_, r := newTestHandler(store, mailer, &mockSessions{})

	w := postJSON(t, r, "/password/forgot", gin.H{"email": "jan@example.com"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(mailer.resetLinks) != 1 {
		t.Fatalf("expected one reset mail, got %d", len(mailer.resetLinks))
	}
	if !strings.Contains(mailer.resetLinks[0], "/password/reset/") {
		t.Fatalf("unexpected reset link %q", mailer.resetLinks[0])
	}
}

func TestResetPassword_Normal(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	sessions := &mockSessions{}
	h, r := newTestHandler(store, &mockNotifier{}, sessions)

	tok := h.tokens.Issue(user.ID, user.TokenState())
	w := postJSON(t, r, "/password/reset/"+token.EncodeUID(user.ID)+"/"+tok, gin.H{
		"password":              "NoweHaslo123!",
		"password_confirmation": "NoweHaslo123!",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("NoweHaslo123!")); err != nil {
		t.Fatalf("expected password to be updated: %v", err)
	}
	if sessions.bumpCalls != 1 {
		t.Fatalf("expected session epoch bump after reset, got %d", sessions.bumpCalls)
	}
}

func TestResetPassword_ReusedLink(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	h, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	tok := h.tokens.Issue(user.ID, user.TokenState())
	first := postJSON(t, r, "/password/reset/"+token.EncodeUID(user.ID)+"/"+tok, gin.H{
		"password":              "NoweHaslo123!",
		"password_confirmation": "NoweHaslo123!",
	})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first reset to succeed, got %d", first.Code)
	}

	// 哈希已变，同一链接二次使用必须失败
	second := postJSON(t, r, "/password/reset/"+token.EncodeUID(user.ID)+"/"+tok, gin.H{
		"password":              "Kolejne123!",
		"password_confirmation": "Kolejne123!",
	})
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on link reuse, got %d", second.Code)
	}
}

func TestResendVerification_AlreadyVerified(t *testing.T) {
	user := &model.User{ID: 3, Email: "jan@example.com", Password: hashPassword(t, "Haslo123!"), IsVerified: true}
	store := newMockUserStore(user)
	_, r := newTestHandler(store, &mockNotifier{}, &mockSessions{})

	w := postJSON(t, r, "/verify/resend", gin.H{"email": "jan@example.com"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
