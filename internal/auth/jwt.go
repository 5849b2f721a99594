package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Roles carried in user tokens.
const (
	RoleCandidate = "candidate"
	RoleAdmin     = "admin"
)

// Token audiences. A user token is never accepted as a session credential
// and the reverse.
const (
	AudienceAPI      = "api"
	AudienceRealtime = "realtime"
)

// Claims holds JWT claims including user ID and role.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// SessionClaims are the claims of a short-lived realtime session credential.
type SessionClaims struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Model     string `json:"model,omitempty"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a new JWT for the user.
func (s *JWTService) Generate(userID, email, role string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{AudienceAPI},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a user JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims, AudienceAPI); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueSessionToken signs a credential for sessionID that expires after ttl.
func (s *JWTService) IssueSessionToken(sessionID, userID, model string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(ttl)
	claims := SessionClaims{
		SessionID: sessionID,
		UserID:    userID,
		Model:     model,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{AudienceRealtime},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateSessionToken parses a session credential.
func (s *JWTService) ValidateSessionToken(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.parse(tokenString, claims, AudienceRealtime); err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
