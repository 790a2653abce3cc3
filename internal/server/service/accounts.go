package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"imghost/internal/server/database"
)

// Sentinel errors for accounts.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInviteRequired     = errors.New("invite code required")
	ErrInvalidInvite      = errors.New("invite code invalid, expired or exhausted")
)

const (
	maxUsernameLen = 64
	// bcrypt only hashes the first 72 bytes and rejects longer input.
	maxPasswordLen = 72
)

// RegisterRequest is a new account submission.
type RegisterRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

// AccountService registers and authenticates users.
type AccountService struct {
	users   UserRepository
	invites InviteRepository
	tx      Transactor
	policy  PolicyResolver
	now     func() time.Time
}

// NewAccountService creates a new account service.
func NewAccountService(users UserRepository, invites InviteRepository, tx Transactor, resolver PolicyResolver) *AccountService {
	return &AccountService{
		users:   users,
		invites: invites,
		tx:      tx,
		policy:  resolver,
		now:     time.Now,
	}
}

// Register creates an account. The first account becomes an admin and never
// needs an invite; later ones need one while invites are enabled.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*database.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: missing username or password", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username longer than %d characters", ErrInvalidInput, maxUsernameLen)
	}
	if err := checkPasswordLen(req.Password, 1); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	inviteRequired := s.policy.Resolve(ctx).InviteRequired
	code := strings.TrimSpace(req.InviteCode)

	user := &database.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         database.RoleUser,
		IsActive:     true,
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		n, err := s.users.Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			user.Role = database.RoleAdmin
		}

		redeemed := false
		if inviteRequired && n > 0 {
			if code == "" {
				return ErrInviteRequired
			}
			if err := s.invites.Redeem(ctx, code, s.now().UTC()); err != nil {
				if errors.Is(err, database.ErrNotFound) {
					return ErrInvalidInvite
				}
				return err
			}
			redeemed = true
		}

		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return ErrUsernameTaken
			}
			return err
		}

		if redeemed {
			return s.invites.MarkUsedBy(ctx, code, user.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("user registered", "id", user.ID, "username", user.Username, "role", user.Role)
	return user, nil
}

// Authenticate checks a username and password pair.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (*database.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// ChangePassword replaces the caller's password after checking the old one.
func (s *AccountService) ChangePassword(ctx context.Context, user *database.User, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return fmt.Errorf("%w: missing fields", ErrInvalidInput)
	}
	if err := checkPasswordLen(newPassword, 1); err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	if err := setPassword(ctx, s.users, user.ID, newPassword); err != nil {
		return err
	}

	slog.Info("password changed", "user_id", user.ID)
	return nil
}

func checkPasswordLen(password string, minLen int) error {
	switch {
	case len(password) < minLen:
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minLen)
	case len(password) > maxPasswordLen:
		return fmt.Errorf("%w: password longer than %d bytes", ErrInvalidInput, maxPasswordLen)
	}
	return nil
}

func setPassword(ctx context.Context, users UserRepository, id int64, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := users.SetPassword(ctx, id, string(hash)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}
