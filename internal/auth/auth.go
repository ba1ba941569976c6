// Package auth implements token-based authentication for AmityVox: password
// hashing, JWT access tokens, and hashed refresh-token sessions used to
// validate the Gateway's IDENTIFY payload and the REST API's Bearer tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"

	"github.com/amityvox/amityvox/internal/apperror"
	"github.com/amityvox/amityvox/internal/database"
	"github.com/amityvox/amityvox/internal/middleware"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// AuthError carries an HTTP status, a machine-readable code, and a message
// for responses produced directly by the auth package (kept separate from
// apperror so middleware.go does not need to import the api package).
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,32}$`)

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return errors.New("username must be 2-32 characters: letters, numbers, dots, underscores, hyphens")
	}
	return nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if n > 128 {
		return errors.New("password must be at most 128 characters")
	}
	return nil
}

// claims is the JWT payload minted for access tokens.
type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Service validates bearer tokens and mints/rotates sessions. PasswordHasher
// is a narrow interface so the concrete Argon2id (or any other) hash
// algorithm can be swapped without touching session logic.
type Service struct {
	db         *database.DB
	hasher     PasswordHasher
	gen        *snowflake.Generator
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger

	// breachChecker, when set, rejects previously-breached passwords at
	// registration time. Left nil disables the check entirely.
	breachChecker *middleware.BreachChecker
}

// SetBreachChecker attaches a password breach checker to the service. Call
// before serving traffic; nil disables the check (the default).
func (s *Service) SetBreachChecker(bc *middleware.BreachChecker) {
	s.breachChecker = bc
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) (bool, error)
}

// NewService constructs an auth Service.
func NewService(db *database.DB, hasher PasswordHasher, gen *snowflake.Generator, jwtSecret []byte, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		db:         db,
		hasher:     hasher,
		gen:        gen,
		jwtSecret:  jwtSecret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Register creates a new user account and returns an access token and
// refresh token pair.
func (s *Service) Register(ctx context.Context, username, password string) (user models.User, accessToken, refreshToken string, err error) {
	if err := validateUsername(username); err != nil {
		return models.User{}, "", "", apperror.NewValidation(err.Error())
	}
	if err := validatePassword(password); err != nil {
		return models.User{}, "", "", apperror.NewValidation(err.Error())
	}
	if s.breachChecker != nil {
		if count, err := s.breachChecker.IsBreached(ctx, password); err != nil {
			s.logger.Warn("breach check failed, allowing registration", slog.String("error", err.Error()))
		} else if count > 0 {
			return models.User{}, "", "", apperror.NewValidation("this password has appeared in a known data breach; choose another")
		}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.User{}, "", "", fmt.Errorf("hashing password: %w", err)
	}

	id, err := s.gen.Next()
	if err != nil {
		return models.User{}, "", "", err
	}

	discriminator := fmt.Sprintf("%04d", id.Time().Nanosecond()%10000)

	u := models.User{
		ID:            id,
		Username:      username,
		Discriminator: discriminator,
		PasswordHash:  &hash,
		CreatedAt:     time.Now().UTC(),
	}

	const q = `INSERT INTO users (id, username, discriminator, password_hash, flags, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`
	if _, err := s.db.Pool.Exec(ctx, q, u.ID, u.Username, u.Discriminator, u.PasswordHash, u.CreatedAt); err != nil {
		return models.User{}, "", "", fmt.Errorf("inserting user: %w", err)
	}

	accessToken, refreshToken, err = s.issueSession(ctx, u.ID)
	if err != nil {
		return models.User{}, "", "", err
	}
	return u, accessToken, refreshToken, nil
}

// Login validates a username/password pair and issues a new session.
func (s *Service) Login(ctx context.Context, username, password string) (user models.User, accessToken, refreshToken string, err error) {
	var u models.User
	const q = `SELECT id, username, discriminator, display_name, avatar_id, password_hash, flags, created_at, deleted_at
		FROM users WHERE username = $1 AND deleted_at IS NULL`
	row := s.db.Pool.QueryRow(ctx, q, username)
	if err := row.Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.PasswordHash, &u.Flags, &u.CreatedAt, &u.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, "", "", apperror.NewUnauthorized("invalid username or password")
		}
		return models.User{}, "", "", fmt.Errorf("querying user: %w", err)
	}

	if u.PasswordHash == nil {
		return models.User{}, "", "", apperror.NewUnauthorized("invalid username or password")
	}
	ok, err := s.hasher.Verify(*u.PasswordHash, password)
	if err != nil {
		return models.User{}, "", "", fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return models.User{}, "", "", apperror.NewUnauthorized("invalid username or password")
	}

	accessToken, refreshToken, err = s.issueSession(ctx, u.ID)
	if err != nil {
		return models.User{}, "", "", err
	}
	return u, accessToken, refreshToken, nil
}

// Refresh rotates a refresh token, returning a new access/refresh pair. The
// presented token is single-use: once rotated, re-presenting the same
// plaintext fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error) {
	hash := hashToken(refreshToken)

	var sess models.RefreshTokenSession
	const q = `SELECT id, user_id, token_hash, created_at, expires_at, rotated_at, revoked
		FROM refresh_token_sessions WHERE token_hash = $1`
	row := s.db.Pool.QueryRow(ctx, q, hash)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CreatedAt, &sess.ExpiresAt, &sess.RotatedAt, &sess.Revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", apperror.NewUnauthorized("invalid refresh token")
		}
		return "", "", fmt.Errorf("querying refresh session: %w", err)
	}

	if sess.Revoked || sess.RotatedAt != nil || sess.ExpiresAt.Before(time.Now()) {
		return "", "", apperror.NewUnauthorized("refresh token is no longer valid")
	}

	if _, err := s.db.Pool.Exec(ctx, `UPDATE refresh_token_sessions SET rotated_at = now() WHERE id = $1`, sess.ID); err != nil {
		return "", "", fmt.Errorf("rotating refresh session: %w", err)
	}

	accessToken, newRefreshToken, err = s.issueSession(ctx, sess.UserID)
	if err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

// ValidateSession parses and verifies a JWT access token, returning the
// authenticated user ID as a string. It does not hit the database: access
// tokens are self-contained and short-lived, matching the Gateway's need to
// validate IDENTIFY without a database round trip.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", &AuthError{Status: 401, Code: "invalid_token", Message: "invalid or expired access token"}
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return "", &AuthError{Status: 401, Code: "invalid_token", Message: "invalid token claims"}
	}

	return c.Subject, nil
}

// issueSession mints a new access token and a new refresh-token session row.
func (s *Service) issueSession(ctx context.Context, userID snowflake.ID) (accessToken, refreshToken string, err error) {
	now := time.Now().UTC()

	sessionID, err := s.gen.Next()
	if err != nil {
		return "", "", err
	}

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		SessionID: sessionID.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	accessToken, err = token.SignedString(s.jwtSecret)
	if err != nil {
		return "", "", fmt.Errorf("signing access token: %w", err)
	}

	refreshToken, err = randomToken()
	if err != nil {
		return "", "", err
	}

	refreshID, err := s.gen.Next()
	if err != nil {
		return "", "", err
	}

	const q = `INSERT INTO refresh_token_sessions (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Pool.Exec(ctx, q, refreshID, userID, hashToken(refreshToken), now, now.Add(s.refreshTTL)); err != nil {
		return "", "", fmt.Errorf("inserting refresh session: %w", err)
	}

	return accessToken, refreshToken, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
