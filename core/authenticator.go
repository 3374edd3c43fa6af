package core

import (
	"context"
	"net/http"
)

type IAuthenticator interface {
	Authenticate(r *http.Request) (context.Context, error)
	Authorize(ctx context.Context, requiredRole string) error
	Middleware(requiredRole string, next http.Handler) http.Handler

	AuthenticateUserPass(username, password string) error
}
