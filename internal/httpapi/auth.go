package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/medhatjachour/electron-app-sub007/internal/domain"
	"github.com/medhatjachour/electron-app-sub007/internal/store"
)

const (
	tokenIssuer = "pos-ledger"
	roleAdmin   = "admin"
	roleCashier = "cashier"
)

var errInvalidCredentials = errors.New("invalid credentials")

// UserStore is the slice of the repository that holds login accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues and verifies bearer tokens and checks the manager PIN
// that authorises cashier refunds. Accounts are read from the store on every
// login so a deactivated user is locked out without a restart.
type AuthManager struct {
	users    UserStore
	signer   tokenSigner
	pinHash  []byte
	tokenTTL time.Duration
}

type tokenSigner struct {
	secret []byte
}

type roleClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		users:    users,
		signer:   tokenSigner{secret: []byte(secret)},
		tokenTTL: tokenTTL,
	}
	// An empty PIN leaves pinHash nil, which rejects every attempt.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[auth] WARN: manager pin disabled: %v", err)
		} else {
			manager.pinHash = hash
		}
	}
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	account, err := a.findUser(ctx, req.Username)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !a.checkPassword(ctx, account, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.signer.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(token string) (domain.Actor, error) {
	return a.signer.parse(token)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.pinHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(input)) == nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	username := normalizeUsername(req.Username)
	switch {
	case len(username) < 4:
		return domain.CashierUser{}, store.Invalid("username", "must be at least 4 characters")
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.CashierUser{}, store.Invalid("username", "must not contain spaces")
	case len(strings.TrimSpace(req.Password)) < 6:
		return domain.CashierUser{}, store.Invalid("password", "must be at least 6 characters")
	}
	if a.users == nil {
		return domain.CashierUser{}, errors.New("user store is not configured")
	}
	if _, err := a.findUser(ctx, username); err == nil {
		return domain.CashierUser{}, store.Invalid("username", "already exists")
	} else if !errors.Is(err, errInvalidCredentials) {
		return domain.CashierUser{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      roleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.users.CreateUser(ctx, account); err != nil {
		return domain.CashierUser{}, err
	}
	return cashierView(account), nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) ([]domain.CashierUser, error) {
	if a.users == nil {
		return []domain.CashierUser{}, nil
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	cashiers := make([]domain.CashierUser, 0, len(accounts))
	for _, account := range accounts {
		if account.Role == roleCashier {
			cashiers = append(cashiers, cashierView(account))
		}
	}
	sort.Slice(cashiers, func(i, j int) bool { return cashiers[i].Username < cashiers[j].Username })
	return cashiers, nil
}

// findUser returns errInvalidCredentials for unknown names so login does
// not reveal which accounts exist.
func (a *AuthManager) findUser(ctx context.Context, username string) (domain.UserAccount, error) {
	if a.users == nil {
		return domain.UserAccount{}, errInvalidCredentials
	}
	username = normalizeUsername(username)
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("load users: %w", err)
	}
	for _, account := range accounts {
		if normalizeUsername(account.Username) == username {
			account.Username = username
			return account, nil
		}
	}
	return domain.UserAccount{}, errInvalidCredentials
}

// checkPassword accepts a plain-text password seeded directly into the store
// once and replaces it with a bcrypt hash.
func (a *AuthManager) checkPassword(ctx context.Context, account domain.UserAccount, input string) bool {
	if account.Password == "" || strings.TrimSpace(input) == "" {
		return false
	}
	if isBcryptHash(account.Password) {
		return bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(input)) == nil
	}
	if account.Password != input {
		return false
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input), bcrypt.DefaultCost)
	if err == nil {
		err = a.users.UpdateUserPassword(ctx, account.Username, string(hash))
	}
	if err != nil {
		log.Printf("[auth] WARN: could not hash legacy password for %s: %v", account.Username, err)
	}
	return true
}

func (s tokenSigner) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := roleClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s tokenSigner) parse(raw string) (domain.Actor, error) {
	claims := &roleClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return s.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer), jwtlib.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" || (claims.Role != roleAdmin && claims.Role != roleCashier) {
		return domain.Actor{}, errors.New("invalid token claims")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func cashierView(account domain.UserAccount) domain.CashierUser {
	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
