// Package middleware gin 中间件：鉴权，把用户身份写进 gin.Context（userId / username）。
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"doccollab/backend/internal/auth"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"` // "access"
}

// JWTMiddleware 本地校验 HS256 access token
func JWTMiddleware(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := signer.ParseToken(tokenString)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, jwt.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, auth.ErrNotAccessToken):
				msg = "access token required"
			}
			unauthenticated(c, msg)
			return
		}
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// AuthMiddleware 调用认证服务的 /v1/auth/verify 校验 token。
// authBaseURL 不要带路径，比如 http://localhost:3001
func AuthMiddleware(authBaseURL string, timeout time.Duration, log zerolog.Logger) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}

	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 包括超时
			log.Warn().Err(err).Str("url", verifyURL).Msg("auth verify failed")
			upstreamError(c, "auth-service verify failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e)
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			unauthenticated(c, msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			log.Warn().Int("status", resp.StatusCode).Msg("auth verify non-200")
			upstreamError(c, "auth-service verify non-200")
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			upstreamError(c, "invalid verify response")
			return
		}
		if claims.Type != "" && claims.Type != auth.TokenTypeAccess {
			unauthenticated(c, "access token required")
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// extractToken 先看 Authorization 头；浏览器的 WebSocket 不能自定义头，允许 ?token=
func extractToken(c *gin.Context) string {
	if t := extractBearer(c.Request.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": msg})
}

func upstreamError(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": msg})
}
