package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConflict = errors.New("username already taken")
	ErrRejected = errors.New("invalid username or password")
	ErrInvalid  = errors.New("username and password are required")
)

const DefaultTokenTTL = 24 * time.Hour

// Service registers accounts and issues the tokens the websocket endpoint
// accepts.
type Service struct {
	users repository.UserRepository
	key   []byte
	ttl   time.Duration
	log   *zap.Logger
}

func NewService(users repository.UserRepository, key []byte, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users: users,
		key:   key,
		ttl:   ttl,
		log:   log.Named("auth"),
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalid
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hashed,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, err
	}

	s.log.Info("user registered", zap.String("username", username))
	return user, nil
}

// Login checks the credentials and returns a signed token and the account.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", nil, ErrInvalid
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Info("login for unknown user", zap.String("username", username))
		return "", nil, ErrRejected
	}
	if err != nil {
		return "", nil, err
	}

	if !VerifyPassword(password, user.PasswordHash) {
		s.log.Info("invalid password", zap.String("username", username))
		return "", nil, ErrRejected
	}

	token, err := GenerateToken(s.key, user.ID, user.Username, s.ttl)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, user, nil
}

// VerifyToken returns the username the token was issued for.
func (s *Service) VerifyToken(token string) (string, error) {
	claims, err := ValidateToken(s.key, token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}
