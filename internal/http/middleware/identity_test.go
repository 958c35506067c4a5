package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newIdentityRouter() (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(RequireUser())
	r.GET("/who", func(c *gin.Context) {
		seen = UserID(c)
		c.String(http.StatusOK, "ok")
	})
	return r, &seen
}

func TestRequireUser_MissingHeader(t *testing.T) {
	r, _ := newIdentityRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "missing_user" {
		t.Fatalf("code = %q, want missing_user", body["code"])
	}
}

func TestRequireUser_MalformedID(t *testing.T) {
	r, seen := newIdentityRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(userIDHeader, "not-a-uuid")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "invalid_user" {
		t.Fatalf("code = %q, want invalid_user", body["code"])
	}
	if *seen != "" {
		t.Fatalf("handler must not run on invalid identity")
	}
}

func TestRequireUser_ValidIDReachesHandler(t *testing.T) {
	r, seen := newIdentityRouter()
	uid := uuid.NewString()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(userIDHeader, uid)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if *seen != uid {
		t.Fatalf("UserID = %q, want %q", *seen, uid)
	}
}

func TestUserID_UnsetReturnsEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := UserID(c); got != "" {
		t.Fatalf("UserID on bare context = %q, want empty", got)
	}
}
