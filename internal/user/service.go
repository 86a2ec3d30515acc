package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chatlink/internal/apperr"
)

const (
	tokenIssuer = "chatlink"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Store is what the service needs from persistence. *Repository satisfies it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, user *User) error
	SetOnline(ctx context.Context, id int, online bool, at time.Time) error
	DeleteUser(ctx context.Context, id int) error
}

type Service struct {
	repo       Store
	jwtSecret  string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type MyJWTClaims struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		repo:       repo,
		jwtSecret:  secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || name == "" || req.Password == "" {
		return nil, apperr.InvalidArg("email, name and password are required")
	}
	if req.Password != req.PasswordConfirmation {
		return nil, apperr.InvalidArg("passwords do not match")
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "hashing password", err)
	}

	u := &User{
		Email:    email,
		Name:     name,
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return s.issueTokens(u)
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, apperr.Unauthorized("invalid credentials")
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	return s.issueTokens(u)
}

// Refresh trades a refresh token for a new access token. The refresh token
// itself is returned unchanged.
func (s *Service) Refresh(ctx context.Context, req *RefreshRequest) (*AuthResponse, error) {
	if strings.TrimSpace(req.RefreshToken) == "" {
		return nil, apperr.InvalidArg("refresh token cannot be empty")
	}
	claims, err := s.parse(req.RefreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.GetUserByID(ctx, claims.ID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, apperr.Unauthorized("refresh token is expired or invalid, please log in again")
		}
		return nil, err
	}
	access, err := s.sign(u, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{AccessToken: access, RefreshToken: req.RefreshToken}, nil
}

func (s *Service) issueTokens(u *User) (*AuthResponse, error) {
	access, err := s.sign(u, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(u, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) sign(u *User, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:    u.ID,
		Email: u.Email,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "signing token", err)
	}
	return ss, nil
}

func (s *Service) parse(tokenString, tokenType string) (*MyJWTClaims, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.CodeUnauthenticated, apperr.ErrCredentialExpired.Error(), err)
		}
		return nil, apperr.Wrap(apperr.CodeUnauthenticated, "invalid token", err)
	}
	if !token.Valid || claims.Type != tokenType {
		return nil, apperr.Unauthorized("invalid token")
	}
	return claims, nil
}

// ValidateToken checks an access token and returns the user id and email.
func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims, err := s.parse(tokenString, TokenTypeAccess)
	if err != nil {
		return 0, "", err
	}
	return claims.ID, claims.Email, nil
}

// ValidateSession is ValidateToken plus the token's expiry, which the STOMP
// broker tracks per session.
func (s *Service) ValidateSession(tokenString string) (int, string, time.Time, error) {
	claims, err := s.parse(tokenString, TokenTypeAccess)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	return claims.ID, claims.Email, claims.ExpiresAt.Time, nil
}

func (s *Service) Me(ctx context.Context, id int) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) Update(ctx context.Context, id int, req *UpdateRequest) (*User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.InvalidArg("name cannot be empty")
		}
		u.Name = name
	}
	if req.Password != nil {
		if *req.Password == "" {
			return nil, apperr.InvalidArg("password cannot be empty")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.MinCost)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "hashing password", err)
		}
		u.Password = string(hashed)
	}
	if req.ProfilePictureURL != nil {
		u.ProfilePictureURL = strings.TrimSpace(*req.ProfilePictureURL)
	}
	if err := s.repo.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Delete(ctx context.Context, id int) error {
	return s.repo.DeleteUser(ctx, id)
}

// SetPresence marks a user online or offline and returns the updated
// public view.
func (s *Service) SetPresence(ctx context.Context, id int, online bool) (*User, error) {
	if err := s.repo.SetOnline(ctx, id, online, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetUserByID(ctx, id)
}
