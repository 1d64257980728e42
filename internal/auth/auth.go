// Package auth turns an externally issued bearer token into the identity a
// session is registered with. Tokens are verified here, never issued.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/fleet-dispatch/internal/models"
)

// Claims is the token payload the authorization layer signs.
type Claims struct {
	OrganizationID string `json:"org"`
	Role           string `json:"role"`
	DriverID       string `json:"driver_id,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates an HS256 token and returns the identity it asserts.
func (v *Verifier) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, models.Errorf(models.ErrUnauthorized, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return models.Identity{}, models.Errorf(models.ErrUnauthorized, "invalid token: %v", err)
	}
	role, ok := models.ParseRole(strings.ToUpper(claims.Role))
	if !ok {
		return models.Identity{}, models.Errorf(models.ErrUnauthorized, "invalid token: unknown role %q", claims.Role)
	}
	id := models.Identity{OrganizationID: claims.OrganizationID, Role: role, DriverID: claims.DriverID}
	if role != models.RoleDriver {
		id.DriverID = ""
	}
	if err := id.Validate(); err != nil {
		return models.Identity{}, err
	}
	return id, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or the
// token query parameter for browser websocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errors.New("invalid authorization header")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errors.New("missing authorization header")
}

// Sign is used by tests and local tooling to mint tokens with the shared secret.
func Sign(secret string, c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
