package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates a token that failed signature or claim checks.
var ErrInvalidToken = errors.New("security: invalid token")

// AdminClaims are the JWT claims carried by admin tokens.
type AdminClaims struct {
	AdminID  uint64 `json:"admin_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserClaims are the JWT claims carried by user tokens.
type UserClaims struct {
	UserID uint64 `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// SignAdminToken issues a signed admin token valid for expiry.
func SignAdminToken(secret string, adminID uint64, username string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		AdminID:  adminID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("admin:%d", adminID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates an admin token and returns its claims.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if errParse != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AdminID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignUserToken issues a signed user token valid for expiry.
func SignUserToken(secret string, userID uint64, email string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("user:%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseUserToken validates a user token and returns its claims.
func ParseUserToken(secret, token string) (*UserClaims, error) {
	claims := &UserClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if errParse != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
