package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"dailyshop/backend/internal/domain"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountInactive    = errors.New("account is inactive")
)

const (
	tokenIssuer        = "dailyshop"
	minUsernameLength  = 4
	minPasswordLength  = 6
	accountLoadTimeout = 3 * time.Second
)

// UserStore persists operator accounts. Usernames double as operator ids.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues bearer tokens for operators and keeps a read-through copy
// of their accounts. Only bcrypt hashes are held in memory.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	store    UserStore
	logger   *logrus.Logger
	now      func() time.Time

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount

	// dummyHash is compared on unknown usernames so both paths cost one bcrypt.
	dummyHash []byte
}

type shopClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, userStore UserStore, logger *logrus.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("dailyshop-unknown-operator"), bcrypt.DefaultCost)

	a := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		store:     userStore,
		logger:    logger,
		now:       time.Now,
		accounts:  make(map[string]domain.UserAccount),
		dummyHash: dummy,
	}
	a.reload(ctx)
	return a
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.reload(ctx)

	account, ok := a.lookup(normalizeUsername(req.Username))
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(req.Password))
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !passwordMatches(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errAccountInactive
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken validates an HS256 bearer token. The subject becomes the operator id.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims shopClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil {
		return domain.Actor{}, errors.New("invalid or expired token")
	}

	switch {
	case claims.Subject == "":
		return domain.Actor{}, errors.New("invalid token subject")
	case claims.Role != domain.RoleAdmin && claims.Role != domain.RoleCashier:
		return domain.Actor{}, errors.New("invalid token role")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(operatorID string, role string, expiresAt time.Time) (string, error) {
	issuedAt := a.now().UTC()
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, shopClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operatorID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			NotBefore: jwtlib.NewNumericDate(issuedAt.Add(-time.Minute)),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}).SignedString(a.secret)
}

// EnsureAdmin creates the admin account when the user store has none yet.
// It reports whether an account was created.
func (a *AuthManager) EnsureAdmin(ctx context.Context, username string, password string) (bool, error) {
	username = normalizeUsername(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return false, nil
	}

	a.reload(ctx)
	if a.hasRole(domain.RoleAdmin) {
		return false, nil
	}
	if _, err := a.register(ctx, username, password, domain.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	username := normalizeUsername(req.Username)
	if err := checkNewAccount(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}

	a.reload(ctx)
	if _, taken := a.lookup(username); taken {
		return domain.CashierUser{}, fmt.Errorf("%w: username already exists", domain.ErrConflict)
	}

	account, err := a.register(ctx, username, req.Password, domain.RoleCashier)
	if err != nil {
		return domain.CashierUser{}, err
	}
	return cashierView(account), nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.reload(ctx)

	a.mu.RLock()
	cashiers := make([]domain.CashierUser, 0, len(a.accounts))
	for _, account := range a.accounts {
		if account.Role == domain.RoleCashier {
			cashiers = append(cashiers, cashierView(account))
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(cashiers, func(x, y domain.CashierUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return cashiers
}

func checkNewAccount(username string, password string) error {
	switch {
	case len(username) < minUsernameLength:
		return fmt.Errorf("%w: username must be at least %d characters", domain.ErrValidation, minUsernameLength)
	case strings.ContainsAny(username, " \t\r\n"):
		return fmt.Errorf("%w: username must not contain spaces", domain.ErrValidation)
	case len(strings.TrimSpace(password)) < minPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, minPasswordLength)
	}
	return nil
}

func cashierView(account domain.UserAccount) domain.CashierUser {
	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func (a *AuthManager) lookup(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	account, ok := a.accounts[username]
	return account, ok
}

func (a *AuthManager) hasRole(role string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, account := range a.accounts {
		if account.Role == role {
			return true
		}
	}
	return false
}

func (a *AuthManager) register(ctx context.Context, username string, password string, role string) (domain.UserAccount, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		Active:    true,
		CreatedAt: a.now().UTC(),
	}
	if a.store != nil {
		if err := a.store.CreateUser(ctx, account); err != nil {
			return domain.UserAccount{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = account
	a.mu.Unlock()
	return account, nil
}

// reload replaces the in-memory accounts with the store's. Plain-text passwords
// left by older deployments are hashed and written back.
func (a *AuthManager) reload(ctx context.Context) {
	if a.store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, accountLoadTimeout)
	defer cancel()

	users, err := a.store.ListUsers(loadCtx)
	if err != nil {
		a.logger.WithError(err).Warn("user store load failed, keeping cached accounts")
		return
	}
	if len(users) == 0 {
		return
	}

	fresh := make(map[string]domain.UserAccount, len(users))
	for _, user := range users {
		user.Username = normalizeUsername(user.Username)
		if user.Username == "" {
			continue
		}
		if !isBcryptHash(user.Password) {
			a.upgradeLegacyPassword(loadCtx, &user)
		}
		fresh[user.Username] = user
	}

	a.mu.Lock()
	a.accounts = fresh
	a.mu.Unlock()
}

func (a *AuthManager) upgradeLegacyPassword(ctx context.Context, user *domain.UserAccount) {
	entry := a.logger.WithField("username", user.Username)
	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		entry.WithError(err).Warn("legacy password hash failed")
		return
	}
	user.Password = string(hash)
	if err := a.store.UpdateUserPassword(ctx, user.Username, user.Password); err != nil {
		entry.WithError(err).Warn("legacy password upgrade not persisted")
		return
	}
	entry.Info("legacy password upgraded to bcrypt")
}

func passwordMatches(hash string, input string) bool {
	if strings.TrimSpace(input) == "" || !isBcryptHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func isBcryptHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
