package httpx

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
	"github.com/dockyard-host/dockyard/internal/service/prune"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
	}
	for _, tc := range cases {
		got, err := bearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Errorf("bearerToken(%q) expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("bearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestSubjectFromToken(t *testing.T) {
	r := &Router{jwtSecret: "test-secret"}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	subject, err := r.subjectFromToken(signed)
	if err != nil {
		t.Fatalf("subjectFromToken returned error: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("expected user-42, got %q", subject)
	}

	if _, err := r.subjectFromToken("not-a-token"); err == nil {
		t.Fatal("expected parse failure")
	}

	wrongKey, _ := token.SignedString([]byte("other-secret"))
	if _, err := r.subjectFromToken(wrongKey); err == nil {
		t.Fatal("expected signature failure")
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{repository.ErrNotFound, 404},
		{deploy.ErrForbidden, 403},
		{deploy.ErrNoContainer, 400},
		{prune.ErrAlreadyPruned, 400},
		{repository.ErrConflict, 409},
		{errors.New("daemon exploded"), 500},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		if rec.Code != tc.status {
			t.Errorf("writeServiceError(%v) = %d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}

func TestWriteServiceErrorBuildFailureCarriesLogs(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, &deploy.BuildError{Message: "boom", Logs: "Step 1\nERROR: boom\n"})
	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Step 1") {
		t.Fatalf("expected logs in body, got %q", body)
	}
}

func TestMemoryRateLimiterWindows(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow("k", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if d := limiter.Allow("k", 3, time.Minute); d.allowed {
		t.Fatal("fourth request must be rejected")
	}
	if d := limiter.Allow("other", 3, time.Minute); !d.allowed {
		t.Fatal("unrelated key must be unaffected")
	}
}
