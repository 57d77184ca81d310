package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Claims is the subset of the bearer-token payload the engine consumes.
type Claims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Iss   string   `json:"iss,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
}

// Middleware authenticates requests and installs the Actor in context.
// Mode "hs256" verifies HMAC-signed bearer tokens; mode "off" installs an
// anonymous actor and is only for development (main refuses it outside
// explicitly non-production environments).
func Middleware(mode, secret, issuer string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), Actor{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := VerifyHS256(token, secret, issuer, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), Actor{
				Subject: claims.Sub,
				Roles:   claims.Roles,
			})))
		})
	}
}

// VerifyHS256 checks an HS256 JWT and returns its claims.
func VerifyHS256(token, secret, issuer string, now time.Time) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Claims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Claims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, errors.New("signature mismatch")
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Claims{}, err
	}
	if claims.Sub == "" {
		return Claims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return Claims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return Claims{}, errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return claims, nil
}
