package middleware

import (
	"context"
	"slices"
	"time"

	"github.com/geoevents/geoevents/internal/storage"
)

type accountContextKey struct{}

// AccountContext is the authenticated caller of a request. Every action taken
// by the request is attributed to AccountID and counted against its quotas.
type AccountContext struct {
	AccountID   string
	KeyID       string
	KeyName     string
	Permissions []string
	AuthTime    time.Time
}

// HasPermission reports whether the key grants permission.
func (a AccountContext) HasPermission(permission string) bool {
	return slices.Contains(a.Permissions, permission) || slices.Contains(a.Permissions, storage.PermissionAll)
}

// Actor names the caller in audit events.
func (a AccountContext) Actor() string {
	if a.KeyName == "" {
		return "key:" + a.KeyID
	}

	return a.KeyName + " (key:" + a.KeyID + ")"
}

// GetAccountContext returns the authenticated account of the request, if any.
func GetAccountContext(ctx context.Context) (AccountContext, bool) {
	account, ok := ctx.Value(accountContextKey{}).(AccountContext)

	return account, ok
}

// SetAccountContext attaches an authenticated account to ctx.
func SetAccountContext(ctx context.Context, account AccountContext) context.Context {
	return context.WithValue(ctx, accountContextKey{}, account)
}
