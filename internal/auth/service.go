package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

const (
	maxFailedLoginAttempts = 5
	accountLockDuration    = 15 * time.Minute
)

type operator struct {
	passwordHash string
	role         string
	failed       int
	lockedUntil  time.Time
}

// LoginResult is returned to the client after a successful login.
type LoginResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int64     `json:"expires_in"`
	Role        string    `json:"role"`
}

// AuthService authenticates the operators listed in the configuration.
type AuthService struct {
	enabled    bool
	jwtHandler *JWTHandler
	logger     *zap.Logger
	now        func() time.Time

	machineTokens []machineToken

	mu        sync.Mutex
	operators map[string]*operator
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	operators := make(map[string]*operator, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = &operator{passwordHash: op.PasswordHash, role: op.Role}
	}
	machineTokens := make([]machineToken, 0, len(cfg.MachineTokens))
	for _, mt := range cfg.MachineTokens {
		machineTokens = append(machineTokens, machineToken{name: mt.Name, hash: strings.ToLower(mt.TokenHash), role: mt.Role})
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not production ready, set a secret of at least 32 characters",
			zap.String("env", cfg.JWTSecretEnv))
	}
	if !cfg.Enabled {
		logger.Warn("Authentication disabled, every request is treated as admin")
	}

	return &AuthService{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		logger:     logger,
		now:        time.Now,
		operators:  operators,

		machineTokens: machineTokens,
	}
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

// Login verifies the operator password and issues an access token.
// Repeated failures lock the account for a while.
func (a *AuthService) Login(username, password, ipAddress string) (*LoginResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	op, ok := a.operators[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return nil, ErrInvalidCredentials
	}

	now := a.now()
	if now.Before(op.lockedUntil) {
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, op.lockedUntil.Format(time.RFC3339))
	}

	valid, err := VerifyPassword(password, op.passwordHash)
	if err != nil || !valid {
		op.failed++
		if op.failed >= maxFailedLoginAttempts {
			op.lockedUntil = now.Add(accountLockDuration)
			op.failed = 0
			a.logger.Warn("Account locked after repeated failures",
				zap.String("username", username),
				zap.Time("locked_until", op.lockedUntil))
		}
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return nil, ErrInvalidCredentials
	}

	op.failed = 0

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(username, op.role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("role", op.role), zap.String("ip", ipAddress))

	return &LoginResult{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
		Role:        op.role,
	}, nil
}

// ValidateToken accepts an access token or a configured machine token
// and returns the caller's permissions.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	// Try JWT first
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return claims, roleToPermissions(claims.Role), nil
	}

	mt, err := a.validateMachineToken(token)
	if err != nil {
		return nil, nil, err
	}
	return &JWTClaims{Username: mt.name, Role: mt.role}, roleToPermissions(mt.role), nil
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}
