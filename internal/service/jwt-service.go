package service

import (
	"fmt"
	"time"

	"access_service/internal/config"
	"access_service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// introspectionTTL bounds how long an assertion stays valid. Assertions are
// minted per introspection call and meant to be checked immediately by the
// receiving service, never stored.
const introspectionTTL = 60 * time.Second

// JWTService mints short-lived signed assertions describing an already
// validated session. The opaque session token itself never appears in an
// assertion.
type JWTService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTService() *JWTService {
	return &JWTService{
		secret: []byte(config.ServiceConfig.JWTSecret),
		issuer: config.ServiceConfig.ServiceName,
		now:    time.Now,
	}
}

func (js *JWTService) MintAssertion(session *models.Session) (string, error) {
	now := js.now()
	claims := &models.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    js.issuer,
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(introspectionTTL)),
		},
		UserID:    session.UserID,
		SessionID: session.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(js.secret)
	if err != nil {
		return "", fmt.Errorf("error signing assertion: %w", err)
	}
	return signed, nil
}

func (js *JWTService) ParseAssertion(tokenString string) (*models.Claims, error) {
	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return js.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error parsing assertion: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid assertion")
	}
	return claims, nil
}
