package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/gin-gonic/gin"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, "u1", domain.RoleInstructor, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken(testSecret, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	uid, role, err := claims.Identity()
	if err != nil || uid != "u1" || role != domain.RoleInstructor {
		t.Errorf("identity = %s %s %v", uid, role, err)
	}

	peeked, err := PeekClaims(tok)
	if err != nil || peeked.UserID != "u1" {
		t.Errorf("peek = %+v %v", peeked, err)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := IssueToken(testSecret, "u1", domain.RoleLearner, -time.Minute)
	foreign, _ := IssueToken("other", "u1", domain.RoleLearner, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", foreign},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(testSecret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestIdentityValidation(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		ok     bool
		role   domain.Role
	}{
		{"learner", Claims{UserID: "u1", Role: "learner"}, true, domain.RoleLearner},
		{"student alias", Claims{UserID: "u1", Role: "student"}, true, domain.RoleLearner},
		{"unknown role", Claims{UserID: "u1", Role: "admin"}, false, ""},
		{"empty user", Claims{Role: "learner"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, role, err := tt.claims.Identity()
			if (err == nil) != tt.ok || role != tt.role {
				t.Errorf("role=%q err=%v", role, err)
			}
		})
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/me", JWTAuth(testSecret), func(c *gin.Context) {
		c.String(http.StatusOK, "%v/%v", c.MustGet("user_id"), c.MustGet("role"))
	})
	tok, _ := IssueToken(testSecret, "u1", domain.RoleLearner, time.Hour)

	tests := []struct {
		name   string
		url    string
		header string
		code   int
	}{
		{"header", "/me", "Bearer " + tok, http.StatusOK},
		{"query", "/me?token=" + tok, "", http.StatusOK},
		{"missing", "/me", "", http.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic " + tok, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("code = %d", w.Code)
			}
			if tt.code == http.StatusOK && w.Body.String() != "u1/learner" {
				t.Errorf("body = %q", w.Body.String())
			}
		})
	}
}
