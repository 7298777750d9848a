package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/square/go-jose.v2/jwt"
)

type contextKey string

const didKey contextKey = "did"

// UserDID returns the DID carried by the verified token, empty when the
// request was not authenticated.
func UserDID(ctx context.Context) string {
	did, _ := ctx.Value(didKey).(string)
	return did
}

type JwtTokenParams struct {
	Issuer   string
	Audience string
}

type TokenValidator struct {
	JwtTokenParams
	logger *zap.Logger
}

func NewTokenValidator(logger *zap.Logger, params JwtTokenParams) TokenValidator {
	return TokenValidator{logger: logger, JwtTokenParams: params}
}

// ValidateSetIdentity parses the bearer token and stores the caller's DID in
// the request context.
func (t TokenValidator) ValidateSetIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		claims, err := parseToken(strings.TrimPrefix(token, "Bearer "))
		if err != nil {
			t.authError(w, errors.New("failed to parse the auth token: "+err.Error()))
			return
		}

		if err := t.validateClaims(claims); err != nil {
			t.authError(w, errors.New("auth token validation: "+err.Error()))
			return
		}

		newCtx := r.Context()
		if did, ok := claims["did"].(string); ok {
			newCtx = context.WithValue(newCtx, didKey, did)
		}

		next.ServeHTTP(w, r.WithContext(newCtx))
	})
}

func (t TokenValidator) authError(w http.ResponseWriter, err error) {
	t.logger.Warn(err.Error())
	w.WriteHeader(http.StatusUnauthorized)
	if _, writeErr := w.Write([]byte(err.Error())); writeErr != nil {
		t.logger.Error("failed to write the auth error: " + writeErr.Error())
	}
}

func (t TokenValidator) validateClaims(claims map[string]interface{}) error {
	if t.Issuer != "" {
		if issuer, _ := claims["iss"].(string); issuer != t.Issuer {
			return errors.New("unexpected token issuer")
		}
	}
	return nil
}

func parseToken(tokenString string) (map[string]interface{}, error) {

	var claims map[string]interface{}

	token, err := jwt.ParseSigned(tokenString)
	if err != nil {
		return nil, err
	}

	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, err
	}

	return claims, nil
}
