package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sigml/Darowizna/internal/api/middleware"
	"github.com/Sigml/Darowizna/internal/model"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"
	"github.com/Sigml/Darowizna/internal/pkg/notify"
	"github.com/Sigml/Darowizna/internal/pkg/password"
	"github.com/Sigml/Darowizna/internal/pkg/ratelimit"
	"github.com/Sigml/Darowizna/internal/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// UserStore 定义身份存储的读写接口。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id uint) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	Save(ctx context.Context, user *model.User) error
}

// SessionEpochs 维护会话纪元（见 internal/pkg/session）。
type SessionEpochs interface {
	Current(ctx context.Context, userID uint) (int64, error)
	Bump(ctx context.Context, userID uint) error
}

// Handler 提供注册、登录、邮箱验证与密码重置接口。
type Handler struct {
	users       UserStore
	tokens      *token.Issuer
	mailer      notify.Notifier
	sessions    SessionEpochs
	mailLimiter *ratelimit.Limiter
	jwtSecret   []byte
	baseURL     string
	logger      *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(
	users UserStore,
	tokens *token.Issuer,
	mailer notify.Notifier,
	sessions SessionEpochs,
	mailLimiter *ratelimit.Limiter,
	jwtSecret string,
	baseURL string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		users:       users,
		tokens:      tokens,
		mailer:      mailer,
		sessions:    sessions,
		mailLimiter: mailLimiter,
		jwtSecret:   []byte(jwtSecret),
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
	}
}

type registerRequest struct {
	Email                string `json:"email" binding:"required,email"`
	Password             string `json:"password" binding:"required"`
	PasswordConfirmation string `json:"password_confirmation" binding:"required"`
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register 创建未验证的新账号并发送验证链接。
//
// POST /register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	if req.Password != req.PasswordConfirmation {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match"})
		return
	}
	if unmet, err := password.Validate(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "weak password: " + strings.Join(unmet, ", ")})
		return
	}

	_, err := h.users.FindByEmail(c.Request.Context(), email)
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := &model.User{
		Email:     email,
		Password:  string(hash),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	}
	if err := h.users.Create(c.Request.Context(), user); err != nil {
		h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	metrics.RegistrationTotal.Inc()

	if err := h.sendVerificationLink(c.Request.Context(), user); err != nil {
		// 账号已创建；发信失败后可通过 /verify/resend 重新请求
		h.logger.Warn("send verification link failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not send email, try again later"})
		return
	}

	h.logger.Info("user registered", slog.String("email", email))
	c.JSON(http.StatusCreated, gin.H{"message": "verification link sent"})
}

// VerifyEmail 校验邮箱验证链接并建立会话。
//
// GET /verify/:uid/:token
func (h *Handler) VerifyEmail(c *gin.Context) {
	uid, err := token.DecodeUID(c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}
	// 先校验链接再判断状态：已验证与否不能透露给持无效链接的人
	if err := h.tokens.Verify(uid, c.Param("token"), user.TokenState()); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}
	if user.IsVerified {
		c.JSON(http.StatusOK, gin.H{"message": "already verified"})
		return
	}

	user.IsVerified = true
	if err := h.users.Save(c.Request.Context(), user); err != nil {
		h.logger.Error("verify failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify failed"})
		return
	}
	metrics.VerificationTotal.Inc()

	jwtToken, err := h.issueJWT(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("email verified", slog.String("email", user.Email))
	c.JSON(http.StatusOK, tokenResponse{Token: jwtToken})
}

// ResendVerification 重新发送验证链接（按收件地址限流）。
//
// POST /verify/resend
func (h *Handler) ResendVerification(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.users.FindByEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if user.IsVerified {
		c.JSON(http.StatusBadRequest, gin.H{"error": "already verified"})
		return
	}

	if !h.allowMail(c, email) {
		return
	}

	if err := h.sendVerificationLink(c.Request.Context(), user); err != nil {
		h.logger.Warn("resend verification failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not send email, try again later"})
		return
	}

	h.logger.Info("verification link resent", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": "verification link sent"})
}

// Login 校验用户并返回 JWT。
//
// POST /login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.users.FindByEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	// 策略：未验证邮箱前禁止登录
	if !user.IsVerified {
		c.JSON(http.StatusForbidden, gin.H{"error": "email not verified"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	jwtToken, err := h.issueJWT(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("user logged in", slog.String("email", email), slog.Bool("staff", user.IsStaff))
	c.JSON(http.StatusOK, tokenResponse{Token: jwtToken})
}

// Logout 处理注销请求（会话无状态，直接返回成功）。
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// ForgotPassword 发送密码重置链接。
//
// POST /password/forgot
//
// 账号不存在时返回显式的 404（沿袭原有行为，存在枚举风险，见 DESIGN.md）。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.users.FindByEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if !h.allowMail(c, email) {
		return
	}

	tok := h.tokens.Issue(user.ID, user.TokenState())
	link := fmt.Sprintf("%s/password/reset/%s/%s", h.baseURL, token.EncodeUID(user.ID), tok)
	if err := h.mailer.SendResetLink(user.Email, link); err != nil {
		h.logger.Warn("send reset link failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not send email, try again later"})
		return
	}

	h.logger.Info("reset link sent", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": "reset link sent"})
}

// ResetPassword 消费重置链接并设置新密码。
//
// POST /password/reset/:uid/:token
//
// 新密码哈希写入后，Token（与旧哈希绑定）随即失效；
// 同时会话纪元递增，用户其余已登录会话全部失效。
// 链接无效时统一返回 401，不暴露账号是否存在。
func (h *Handler) ResetPassword(c *gin.Context) {
	uid, err := token.DecodeUID(c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}

	if err := h.tokens.Verify(uid, c.Param("token"), user.TokenState()); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}

	var req struct {
		Password             string `json:"password" binding:"required"`
		PasswordConfirmation string `json:"password_confirmation" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Password != req.PasswordConfirmation {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match"})
		return
	}
	if unmet, err := password.Validate(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "weak password: " + strings.Join(unmet, ", ")})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user.Password = string(hash)
	if err := h.users.Save(c.Request.Context(), user); err != nil {
		h.logger.Error("save password failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save password failed"})
		return
	}
	metrics.PasswordResetTotal.Inc()

	if h.sessions != nil {
		if err := h.sessions.Bump(c.Request.Context(), user.ID); err != nil {
			h.logger.Warn("bump session epoch failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		}
	}

	h.logger.Info("password reset", slog.String("email", user.Email))
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

func (h *Handler) sendVerificationLink(ctx context.Context, user *model.User) error {
	tok := h.tokens.Issue(user.ID, user.TokenState())
	link := fmt.Sprintf("%s/verify/%s/%s", h.baseURL, token.EncodeUID(user.ID), tok)
	return h.mailer.SendVerificationLink(user.Email, link)
}

// allowMail 按收件地址限流；超限时直接写出 429 响应并返回 false。
func (h *Handler) allowMail(c *gin.Context, email string) bool {
	wait, err := h.mailLimiter.Allow(c.Request.Context(), email)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		retry := int(wait.Seconds())
		if retry < 1 {
			retry = 1
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": retry})
		return false
	}
	if err != nil {
		h.logger.Warn("mail ratelimit check failed", slog.String("error", err.Error()))
	}
	return true
}

func (h *Handler) issueJWT(ctx context.Context, user *model.User) (string, error) {
	var epoch int64
	if h.sessions != nil {
		current, err := h.sessions.Current(ctx, user.ID)
		if err != nil {
			h.logger.Warn("read session epoch failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		} else {
			epoch = current
		}
	}

	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Staff: user.IsStaff,
		Epoch: epoch,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(h.jwtSecret)
}
