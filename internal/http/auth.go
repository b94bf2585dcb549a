package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	// APIKey is a static key accepted as is.
	APIKey string
	// JWTSecret signs the HS256 tokens handed out by /api/auth/login.
	JWTSecret string
	TokenTTL  time.Duration
}

func (a AuthConfig) open() bool {
	return a.APIKey == "" && a.JWTSecret == ""
}

// authMiddleware guards the API. The health check stays reachable and, with
// neither an API key nor a JWT secret configured, every request passes.
func authMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.open() || c.FullPath() == "/api/health" || strings.HasPrefix(c.FullPath(), "/api/auth/") {
			c.Next()
			return
		}

		key := extractKey(c)
		if key == "" {
			respondError(c, http.StatusUnauthorized, "authentication required")
			return
		}
		if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
			c.Next()
			return
		}
		if cfg.JWTSecret != "" {
			if subject, err := parseToken(cfg.JWTSecret, key); err == nil {
				c.Set("user_id", subject)
				c.Next()
				return
			}
		}
		respondError(c, http.StatusUnauthorized, "invalid api key")
	}
}

func extractKey(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.Query("key")
}

func issueToken(secret string, userID int64, ttl time.Duration, now time.Time) (string, time.Time, error) {
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// parseToken validates an HS256 token and returns its subject.
func parseToken(secret, raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	return claims.Subject, nil
}

type registerRequest struct {
	Username         string `json:"username" binding:"required"`
	Password         string `json:"password" binding:"required"`
	RegisterPassword string `json:"register_password"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegisterPassword)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) login(c *gin.Context) {
	if h.auth.JWTSecret == "" {
		respondError(c, http.StatusNotImplemented, "token login is not configured")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	token, expires, err := issueToken(h.auth.JWTSecret, user.ID, h.auth.TokenTTL, time.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
		"username":   user.Username,
	})
}
