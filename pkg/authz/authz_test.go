package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestHasAnyRole(t *testing.T) {
	actor := Actor{Subject: "alice", Roles: []string{"PolicyAdmin", " operator "}}
	if !HasAnyRole(actor, RolePolicyAdmin) {
		t.Fatalf("case-insensitive role match failed")
	}
	if !HasAnyRole(actor, "auditor", RoleOperator) {
		t.Fatalf("any-of role match failed")
	}
	if HasAnyRole(actor, RoleListAdmin) {
		t.Fatalf("unexpected role grant")
	}
	if !HasAnyRole(actor) {
		t.Fatalf("empty requirement must allow")
	}
}

func TestVerifyHS256(t *testing.T) {
	now := time.Now().UTC()
	good := signToken(t, "s3cret", Claims{Sub: "alice", Roles: []string{RolePolicyAdmin}, Exp: now.Add(time.Hour).Unix()})

	claims, err := VerifyHS256(good, "s3cret", "", now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice" || len(claims.Roles) != 1 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := VerifyHS256(good, "wrong", "", now); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	expired := signToken(t, "s3cret", Claims{Sub: "alice", Exp: now.Add(-time.Minute).Unix()})
	if _, err := VerifyHS256(expired, "s3cret", "", now); err == nil {
		t.Fatalf("expected expired token")
	}
	wrongIss := signToken(t, "s3cret", Claims{Sub: "alice", Iss: "other", Exp: now.Add(time.Hour).Unix()})
	if _, err := VerifyHS256(wrongIss, "s3cret", "expected", now); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
	if _, err := VerifyHS256("not.a.jwt.really", "s3cret", "", now); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestMiddlewareModes(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			http.Error(w, "no actor", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(actor.Subject))
	})

	t.Run("off_mode_installs_anonymous", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Middleware("off", "", "")(echo).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK || rr.Body.String() != "anonymous" {
			t.Fatalf("unexpected off-mode result: %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("hs256_requires_bearer", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Middleware("hs256", "s3cret", "")(echo).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 without token, got %d", rr.Code)
		}
	})

	t.Run("hs256_valid_token", func(t *testing.T) {
		token := signToken(t, "s3cret", Claims{Sub: "alice", Roles: []string{RoleListAdmin}, Exp: time.Now().Add(time.Hour).Unix()})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		Middleware("hs256", "s3cret", "")(echo).ServeHTTP(rr, req)
		if rr.Code != http.StatusOK || rr.Body.String() != "alice" {
			t.Fatalf("unexpected result: %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("hs256_bad_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rr := httptest.NewRecorder()
		Middleware("hs256", "s3cret", "")(echo).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for bad token, got %d", rr.Code)
		}
	})
}
