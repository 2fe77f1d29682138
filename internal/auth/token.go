package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/memvault/memvault/internal/policy"
)

// Claims are the JWT claims carried by a principal token
type Claims struct {
	PrincipalKind string `json:"principal_kind"`
	jwt.RegisteredClaims
}

// Service issues and verifies principal tokens
type Service struct {
	secret []byte
}

// NewService creates a token service signing with the given secret
func NewService(secret []byte) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	return &Service{secret: secret}, nil
}

// Issue creates a signed token for a principal
func (s *Service) Issue(principal policy.Principal, ttl time.Duration) (string, error) {
	claims := &Claims{
		PrincipalKind: string(principal.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign principal token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the principal it carries
func (s *Service) Verify(tokenString string) (policy.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return policy.Principal{}, fmt.Errorf("invalid principal token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return policy.Principal{}, errors.New("invalid principal token claims")
	}

	kind := policy.PrincipalKind(claims.PrincipalKind)
	if kind != policy.KindService && kind != policy.KindEndUser {
		return policy.Principal{}, fmt.Errorf("unknown principal kind %q", claims.PrincipalKind)
	}
	if claims.Subject == "" {
		return policy.Principal{}, errors.New("principal token carries no subject")
	}

	return policy.Principal{Kind: kind, ID: claims.Subject}, nil
}

// IssueWithAccessKey verifies a service access key against its stored bcrypt
// hash and issues a service principal token for subject
func (s *Service) IssueWithAccessKey(keyHash, accessKey, subject string, ttl time.Duration) (string, error) {
	if keyHash == "" {
		return "", errors.New("no service access key is configured")
	}
	if !VerifyAccessKey(keyHash, accessKey) {
		return "", errors.New("invalid service access key")
	}
	return s.Issue(policy.Principal{Kind: policy.KindService, ID: subject}, ttl)
}

// HashAccessKey hashes a service access key for storage
func HashAccessKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash access key: %w", err)
	}
	return string(hash), nil
}

// VerifyAccessKey compares a presented access key against its stored hash
func VerifyAccessKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
