package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"

	"votegroups/internal/domain"
	"votegroups/internal/repository"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// IDTokenValidator verifies a Google ID token for audience.
type IDTokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// Service implements service.AuthService. HMAC signed JWTs are checked
// against the shared secret, anything else is treated as a Google ID token.
type Service struct {
	jwtSecret       []byte
	clientID        string
	users           repository.UserRepository
	validateIDToken IDTokenValidator
	logger          *logger.Logger
}

// NewService creates a new auth service. users may be nil, in which case
// Authenticate does not record accounts.
func NewService(jwtSecret, clientID string, users repository.UserRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		jwtSecret:       []byte(jwtSecret),
		clientID:        clientID,
		users:           users,
		validateIDToken: idtoken.Validate,
		logger:          log,
	}
}

// WithIDTokenValidator replaces the Google ID token check.
func (s *Service) WithIDTokenValidator(v IDTokenValidator) *Service {
	s.validateIDToken = v
	return s
}

// ValidateToken validates a bearer token and returns the user profile
func (s *Service) ValidateToken(ctx context.Context, token string) (*domain.UserProfile, error) {
	token = strings.TrimSpace(token)
	if !isJWTToken(token) {
		s.logger.Debug("Unrecognized token format")
		return nil, errors.NewAuthenticationError("Unrecognized token format")
	}

	if s.isHMACToken(token) {
		return s.validateSignedJWT(token)
	}
	return s.validateGoogleIDToken(ctx, token)
}

// Authenticate validates the token and records the user
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.UserProfile, error) {
	profile, err := s.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.users == nil {
		return profile, nil
	}

	user := &domain.User{
		ID:    profile.Sub,
		Email: domain.NormalizeEmail(profile.Email),
		Name:  profile.Name,
	}
	if err := s.users.Upsert(ctx, user); err != nil {
		s.logger.WithError(err).WithField("user_id", profile.Sub).Error("Failed to record user")
		return nil, errors.NewInternalError("Failed to record user", err)
	}
	return profile, nil
}

// SignToken issues an HMAC signed token for profile, valid for ttl.
func (s *Service) SignToken(profile *domain.UserProfile, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":            profile.Sub,
		"email":          profile.Email,
		"email_verified": profile.EmailVerified,
		"name":           profile.Name,
		"picture":        profile.Picture,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Service) isHMACToken(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	_, ok := parsed.Method.(*jwt.SigningMethodHMAC)
	return ok
}

// validateSignedJWT validates a token signed with the shared secret
func (s *Service) validateSignedJWT(tokenString string) (*domain.UserProfile, error) {
	if len(s.jwtSecret) == 0 {
		s.logger.Error("JWT_SECRET not configured")
		return nil, errors.NewAuthenticationError("JWT validation not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		s.logger.WithError(err).Debug("Failed to validate JWT token")
		return nil, errors.NewAuthenticationError("Invalid JWT token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewAuthenticationError("Invalid JWT token")
	}
	return profileFromClaims(claims)
}

// validateGoogleIDToken validates a Google ID token issued for our client
func (s *Service) validateGoogleIDToken(ctx context.Context, token string) (*domain.UserProfile, error) {
	if s.clientID == "" {
		s.logger.Error("GOOGLE_CLIENT_ID not configured")
		return nil, errors.NewAuthenticationError("Google token validation not configured")
	}

	payload, err := s.validateIDToken(ctx, token, s.clientID)
	if err != nil {
		s.logger.WithError(err).Debug("Google ID token rejected")
		return nil, errors.NewAuthenticationError("Invalid or expired Google token")
	}

	claims := payload.Claims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = payload.Subject
	}
	return profileFromClaims(claims)
}

func profileFromClaims(claims map[string]interface{}) (*domain.UserProfile, error) {
	profile := &domain.UserProfile{
		Sub:           getStringValue(claims, "sub"),
		Name:          getStringValue(claims, "name"),
		Picture:       getStringValue(claims, "picture"),
		Email:         getStringValue(claims, "email"),
		EmailVerified: getBoolValue(claims, "email_verified"),
	}
	if profile.Sub == "" {
		return nil, errors.NewAuthenticationError("Invalid token: no user identifier")
	}
	return profile, nil
}

func isJWTToken(token string) bool {
	// header.payload.signature
	return token != "" && strings.Count(token, ".") == 2
}

func getStringValue(m map[string]interface{}, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

func getBoolValue(m map[string]interface{}, key string) bool {
	switch val := m[key].(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}
