package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionEpochs 查询用户当前的会话纪元。
type SessionEpochs interface {
	Current(ctx context.Context, userID uint) (int64, error)
}

// Claims 是本服务 JWT 的自定义声明。
type Claims struct {
	jwt.RegisteredClaims
	Staff bool  `json:"staff"` // 是否为工作人员
	Epoch int64 `json:"epoch"` // 签发时的会话纪元
}

// AuthMiddleware 校验 JWT 并将 userID / isStaff 写入上下文。
//
// JWT 携带签发时的会话纪元；密码修改或重置后纪元递增，
// 旧纪元的 JWT 一律拒绝。纪元查询失败时放行（Redis 只是辅助设施）。
func AuthMiddleware(jwtSecret string, epochs SessionEpochs) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			c.Abort()
			return
		}

		claims := &Claims{}
		tok, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !tok.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if claims.Subject == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			c.Abort()
			return
		}
		uid, err := strconv.ParseUint(claims.Subject, 10, 32)
		if err != nil || uid == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user id"})
			c.Abort()
			return
		}

		if epochs != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			current, epochErr := epochs.Current(ctx, uint(uid))
			cancel()
			if epochErr == nil && claims.Epoch < current {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				c.Abort()
				return
			}
		}

		c.Set("userID", uint(uid))
		c.Set("isStaff", claims.Staff)
		c.Next()
	}
}

// StaffRequired 只放行工作人员账号。
//
// 必须挂在 AuthMiddleware 之后；非工作人员直接 403，不做静默降级。
func StaffRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get("isStaff")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			c.Abort()
			return
		}
		if isStaff, _ := v.(bool); !isStaff {
			c.JSON(http.StatusForbidden, gin.H{"error": "staff only"})
			c.Abort()
			return
		}
		c.Next()
	}
}
