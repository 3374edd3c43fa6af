package auth

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/INLOpen/nexuslake/core"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthenticated is returned when a request carries missing or invalid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrPermissionDenied is returned when the authenticated user lacks the required role.
var ErrPermissionDenied = errors.New("permission denied")

// User represents an authenticated user with their associated role.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

const (
	// UserContextKey is the key used to store the User object in the context.
	UserContextKey = contextKey("user")
	// RoleReader allows read-only operations.
	RoleReader = "reader"
	// RoleWriter allows both read and write operations.
	RoleWriter = "writer"
)

// Authenticator handles username/password authentication and role-based authorization.
type Authenticator struct {
	usersByUsername map[string]User
	hashType        HashType // The hash type used for all users in this file
	logger          *slog.Logger
}

// NewAuthenticator creates a new Authenticator from the binary user file.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (core.IAuthenticator, error) {
	userRecords, hashType, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}

	userMap := make(map[string]User, len(userRecords))
	for _, u := range userRecords {
		userMap[u.Username] = User{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role}
	}

	return &Authenticator{
		usersByUsername: userMap,
		hashType:        hashType,
		logger:          logger.With("component", "Authenticator"),
	}, nil
}

func (a *Authenticator) checkAuthentication(username, password string) (User, error) {
	user, ok := a.usersByUsername[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, fmt.Errorf("invalid username or password: %w", ErrUnauthenticated)
	}

	// Compare password based on the file's hash type
	var match bool
	switch a.hashType {
	case HashTypeBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
		match = (err == nil)
	case HashTypeSHA256:
		h := sha256.New()
		h.Write([]byte(password))
		hashedPasswordBytes := h.Sum(nil)
		storedHashBytes, err := hex.DecodeString(user.PasswordHash)
		match = err == nil && subtle.ConstantTimeCompare(hashedPasswordBytes, storedHashBytes) == 1
	case HashTypeSHA512:
		h := sha512.New()
		h.Write([]byte(password))
		hashedPasswordBytes := h.Sum(nil)
		storedHashBytes, err := hex.DecodeString(user.PasswordHash)
		match = err == nil && subtle.ConstantTimeCompare(hashedPasswordBytes, storedHashBytes) == 1
	default:
		// This should not happen if NewAuthenticator validates the hash type
		return User{}, errors.New("server configured with unsupported password hash type")
	}

	if !match {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, fmt.Errorf("invalid username or password: %w", ErrUnauthenticated)
	}

	return user, nil
}

// Authenticate extracts Basic Auth credentials from the request, validates them,
// and returns a new context with the authenticated user's information.
func (a *Authenticator) Authenticate(r *http.Request) (context.Context, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("missing or malformed credentials: %w", ErrUnauthenticated)
	}

	user, err := a.checkAuthentication(username, password)
	if err != nil {
		return nil, err
	}

	newCtx := context.WithValue(r.Context(), UserContextKey, user)
	return newCtx, nil
}

// Authorize checks if the user in the context has the required role.
func (a *Authenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		// This should not happen if Authenticate is called first.
		return errors.New("no user information in context")
	}

	if user.Role == RoleWriter || (user.Role == RoleReader && requiredRole == RoleReader) {
		return nil // Authorized
	}

	return fmt.Errorf("user '%s' with role '%s' is not authorized for this operation (requires role '%s'): %w", user.Username, user.Role, requiredRole, ErrPermissionDenied)
}

// Middleware wraps an HTTP handler with authentication and a role check.
// Requests are rejected with 401 or 403 before they reach the handler.
func (a *Authenticator) Middleware(requiredRole string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		newCtx, err := a.Authenticate(r)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				w.Header().Set("WWW-Authenticate", `Basic realm="nexuslake"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		if err := a.Authorize(newCtx, requiredRole); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				http.Error(w, err.Error(), http.StatusForbidden)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(newCtx))
	})
}

func (a *Authenticator) AuthenticateUserPass(username, password string) error {
	_, err := a.checkAuthentication(username, password)
	if err != nil {
		return err
	}

	return nil

}
