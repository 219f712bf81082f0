package impersonation

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juanfont/impersonator/types"
)

// TokenType is the discriminator carried by every delegation token.
const TokenType = "impersonation"

// Claims is the payload of a delegation token.
type Claims struct {
	ImpersonationID string `json:"impersonation_id"`
	SessionID       string `json:"session_id"`
	SuperAdminID    string `json:"super_admin_id"`
	TargetUserID    string `json:"target_user_id"`
	TargetTenantID  string `json:"target_tenant_id"`
	Type            string `json:"type"`
	jwt.RegisteredClaims
}

// DefaultTokenIssuer is the iss claim used when none is configured.
const DefaultTokenIssuer = "impersonator"

// TokenIssuer signs and verifies delegation tokens with HMAC-SHA256.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl is the policy's MaxDuration.
func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	if issuer == "" {
		issuer = DefaultTokenIssuer
	}
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign issues a token for rec, valid from rec.StartTime for the issuer's ttl.
func (t *TokenIssuer) Sign(rec *types.ImpersonationRecord) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("impersonation token secret is not configured")
	}

	issued := rec.StartTime
	claims := &Claims{
		ImpersonationID: rec.ID.String(),
		SessionID:       rec.SessionID,
		SuperAdminID:    rec.SuperAdminID.String(),
		TargetUserID:    rec.TargetUserID.String(),
		TargetTenantID:  rec.TargetTenantID.String(),
		Type:            TokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.SessionID,
			Issuer:    t.issuer,
			Subject:   rec.TargetUserID.String(),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(t.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token's signature and time claims. When only the expiry check
// fails the verified claims are returned together with ErrTokenExpired.
func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)

	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		// Signatures are verified before claims in jwt/v5, so these claims are authentic.
		if claims.Type != TokenType {
			return nil, fmt.Errorf("%w: type %q", ErrInvalidTokenType, claims.Type)
		}
		return claims, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	default:
		return nil, ErrTokenInvalid
	}

	if claims.Type != TokenType {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidTokenType, claims.Type)
	}
	return claims, nil
}
