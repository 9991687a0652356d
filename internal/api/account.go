package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/Sigml/Darowizna/internal/pkg/password"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// handleGetProfile 返回当前用户的资料。
//
// GET /me
func (s *Server) handleGetProfile(c *gin.Context) {
	user, err := s.users.FindByID(c.Request.Context(), getUserID(c))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		s.logger.Error("load profile failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load profile failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"is_staff":   user.IsStaff,
	})
}

// updateProfileRequest 资料修改请求。所有变更都必须携带当前密码。
type updateProfileRequest struct {
	CurrentPassword string  `json:"current_password" binding:"required"`
	Email           *string `json:"email"`
	FirstName       *string `json:"first_name"`
	LastName        *string `json:"last_name"`
	NewPassword     *string `json:"new_password"`
	NewPassword2    *string `json:"new_password2"`
}

// handleUpdateProfile 修改当前用户资料。
//
// PATCH /me
//
// 当前密码校验失败时不应用任何变更。修改密码会递增会话纪元，
// 使其他已签发的令牌全部失效。
func (s *Server) handleUpdateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := getUserID(c)
	user, err := s.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		s.logger.Error("load profile failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load profile failed"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid current password"})
		return
	}

	passwordChanged := false
	if req.NewPassword != nil {
		if req.NewPassword2 == nil || *req.NewPassword != *req.NewPassword2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match"})
			return
		}
		if unmet, err := password.Validate(*req.NewPassword); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "weak password: " + strings.Join(unmet, ", ")})
			return
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(*req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("hash password failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
			return
		}
		user.Password = string(hashed)
		passwordChanged = true
	}

	if req.Email != nil {
		// 与注册一致：小写、去空白后再查重
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if email != user.Email {
			if existing, err := s.users.FindByEmail(c.Request.Context(), email); err == nil && existing.ID != user.ID {
				c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
				return
			}
			user.Email = email
		}
	}
	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}

	if err := s.users.Save(c.Request.Context(), user); err != nil {
		s.logger.Error("save profile failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	if passwordChanged {
		if err := s.sessions.Bump(c.Request.Context(), user.ID); err != nil {
			s.logger.Warn("bump session epoch failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("profile updated",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.Bool("password_changed", passwordChanged),
	)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type deleteAccountRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
}

// handleDeleteAccount 删除当前账户。
//
// POST /me/delete
//
// 历史捐赠记录保留：user_id 置空后再删除账户（见 AccountStore.DeleteAccount）。
func (s *Server) handleDeleteAccount(c *gin.Context) {
	var req deleteAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := getUserID(c)
	user, err := s.users.FindByID(c.Request.Context(), userID)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		s.logger.Error("load account failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid current password"})
		return
	}

	if err := s.accounts.DeleteAccount(c.Request.Context(), userID); err != nil {
		s.logger.Error("delete account failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	if err := s.sessions.Bump(c.Request.Context(), userID); err != nil {
		s.logger.Warn("bump session epoch failed", slog.String("error", err.Error()))
	}

	s.logger.Info("account deleted", slog.Uint64("user_id", uint64(userID)))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
