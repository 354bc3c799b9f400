package mockserver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	"github.com/mpataki/autodev/internal/models"
)

const claimsKey = "claims"

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"message": msg})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid login request")
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		abort(c, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := s.issueToken(u)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

// Token issues a token for a registered user, as the login endpoint would.
func (s *Server) Token(username string) (string, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", username)
	}
	return s.issueToken(u)
}

func (s *Server) issueToken(u *user) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":      u.username,
		"userId":   u.id,
		"email":    u.email,
		"tenantId": defaultTenantID,
		"role":     u.role,
		"iat":      now.Unix(),
		"exp":      now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(raw string) (jwt.MapClaims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if header == "" || raw == header {
			abort(c, http.StatusUnauthorized, "Unauthorized")
			return
		}
		claims, err := s.parseToken(raw)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Unauthorized")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func userIDFrom(c *gin.Context) int64 {
	claims, ok := c.Get(claimsKey)
	if !ok {
		return 0
	}
	mc, ok := claims.(jwt.MapClaims)
	if !ok {
		return 0
	}
	if v, ok := mc["userId"].(float64); ok {
		return int64(v)
	}
	return 0
}

func (s *Server) handleHistory(c *gin.Context) {
	projectID, err := strconv.ParseInt(c.Param("projectId"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "Invalid project id")
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		abort(c, http.StatusBadRequest, "Invalid page")
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "25"))
	if err != nil || size <= 0 {
		abort(c, http.StatusBadRequest, "Invalid page size")
		return
	}

	c.JSON(http.StatusOK, s.page(projectID, page, size))
}

func (s *Server) handleCreateForProject(c *gin.Context) {
	projectID, err := strconv.ParseInt(c.Param("projectId"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "Invalid project id")
		return
	}
	var req models.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid execution request")
		return
	}
	s.create(c, projectID, req.Prompt)
}

func (s *Server) handleExecute(c *gin.Context) {
	var req models.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectID == 0 {
		abort(c, http.StatusBadRequest, "Project id is required")
		return
	}
	s.create(c, req.ProjectID, req.Prompt)
}

func (s *Server) create(c *gin.Context, projectID int64, prompt string) {
	if strings.TrimSpace(prompt) == "" {
		abort(c, http.StatusBadRequest, "Prompt is required")
		return
	}
	exec := s.Create(projectID, userIDFrom(c), prompt)
	s.logger.Info("execution created", "project", projectID, "execution", exec.ID)
	c.JSON(http.StatusOK, exec)
}

// handleStream relays an execution's progress log as server-sent events and
// closes the stream once the execution has finished. Auth travels in the
// token query parameter.
func (s *Server) handleStream(c *gin.Context) {
	if _, err := s.parseToken(c.Query("token")); err != nil {
		abort(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := strconv.ParseInt(c.Param("executionId"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "Invalid execution id")
		return
	}
	if _, ok := s.Execution(id); !ok {
		abort(c, http.StatusNotFound, "Execution not found")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	next := 0
	c.Stream(func(w io.Writer) bool {
		msgs, done, changed, ok := s.follow(id, next)
		if !ok {
			return false
		}
		for _, m := range msgs {
			c.SSEvent("message", m)
		}
		next += len(msgs)
		if done {
			return false
		}
		if len(msgs) > 0 {
			return true
		}
		select {
		case <-changed:
			return true
		case <-c.Request.Context().Done():
			return false
		case <-s.ctx.Done():
			return false
		}
	})
}
