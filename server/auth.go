package server

import "context"

// DefaultUser is the principal produced by the anonymous authenticator.
type DefaultUser struct {
	Name string
}

func (u DefaultUser) String() string {
	return u.Name
}

// AnonymousAuthenticator accepts any username/password combination. It is
// the default when no authenticator is configured; use it deliberately
// only for public read-only servers.
type AnonymousAuthenticator struct{}

func (a *AnonymousAuthenticator) Authenticate(_ context.Context, user, _ string) (UserDetail, error) {
	return DefaultUser{Name: user}, nil
}
