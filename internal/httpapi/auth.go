package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TokenAudience is the aud claim every bearer token must carry.
const TokenAudience = "rewind"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    int64
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	userID, ok := payload["sub"].(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !hasAudience(payload["aud"], TokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{UserID: userID, Scopes: scopes, Exp: exp}, nil
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

// hasAudience accepts aud as a single string or a list.
func hasAudience(v any, want string) bool {
	switch typed := v.(type) {
	case string:
		return typed == want
	case []any:
		for _, item := range typed {
			if aud, ok := item.(string); ok && aud == want {
				return true
			}
		}
	}
	return false
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
