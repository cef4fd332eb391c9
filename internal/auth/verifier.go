// Package auth implements bearer-token verification and minting for the
// realtime core and the auth REST surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type claims accepted by the verifier.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Typed verification failures. The transport boundary maps these onto WS
// close 1008 or REST 401.
var (
	ErrMalformed      = errors.New("token malformed or signature invalid")
	ErrExpired        = errors.New("token expired")
	ErrWrongType      = errors.New("wrong token type")
	ErrUnknownSubject = errors.New("token subject missing or invalid")
	ErrRevoked        = errors.New("refresh token not in allowlist")
)

// Identity is the result of a successful verification.
type Identity struct {
	UserID    uint
	TokenType string
	JTI       string
}

// RefreshAllowlist is consulted when verifying refresh tokens. Implemented
// by the session store (`refresh_jti:{jti}` keys).
type RefreshAllowlist interface {
	IsRefreshValid(ctx context.Context, jti string) (bool, error)
}

// Verifier parses and validates signed bearer tokens.
type Verifier struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	allowlist  RefreshAllowlist
}

// NewVerifier builds a Verifier for the given HMAC algorithm (HS256 by default).
func NewVerifier(secret, algorithm string, accessTTL, refreshTTL time.Duration, allowlist RefreshAllowlist) (*Verifier, error) {
	var method jwt.SigningMethod
	switch algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &Verifier{
		secret:     []byte(secret),
		method:     method,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		allowlist:  allowlist,
	}, nil
}

// VerifyAccess validates an access token. Realtime connections accept only
// tokens with type=access.
func (v *Verifier) VerifyAccess(token string) (*Identity, error) {
	id, err := v.parse(token)
	if err != nil {
		return nil, err
	}
	if id.TokenType != TypeAccess {
		return nil, ErrWrongType
	}
	return id, nil
}

// VerifyRefresh validates a refresh token and consults the allowlist.
func (v *Verifier) VerifyRefresh(ctx context.Context, token string) (*Identity, error) {
	id, err := v.parse(token)
	if err != nil {
		return nil, err
	}
	if id.TokenType != TypeRefresh {
		return nil, ErrWrongType
	}
	if v.allowlist != nil {
		ok, err := v.allowlist.IsRefreshValid(ctx, id.JTI)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRevoked
		}
	}
	return id, nil
}

func (v *Verifier) parse(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrMalformed
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}
	if !token.Valid {
		return nil, ErrMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}

	tokenType, _ := claims["type"].(string)
	if tokenType != TypeAccess && tokenType != TypeRefresh {
		return nil, ErrWrongType
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrUnknownSubject
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return nil, ErrUnknownSubject
	}

	jti, _ := claims["jti"].(string)

	return &Identity{
		UserID:    uint(userID),
		TokenType: tokenType,
		JTI:       jti,
	}, nil
}

// NewAccessToken mints a signed access token for the user.
func (v *Verifier) NewAccessToken(userID uint) (string, error) {
	token, _, err := v.mint(userID, TypeAccess, v.accessTTL)
	return token, err
}

// NewRefreshToken mints a signed refresh token and returns its jti so the
// caller can register it in the allowlist.
func (v *Verifier) NewRefreshToken(userID uint) (string, string, error) {
	return v.mint(userID, TypeRefresh, v.refreshTTL)
}

func (v *Verifier) mint(userID uint, tokenType string, ttl time.Duration) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatUint(uint64(userID), 10),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"jti":  jti,
		"type": tokenType,
	}
	signed, err := jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, jti, nil
}
