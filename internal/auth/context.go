package auth

import "context"

type contextKey string

const contextKeyUserID contextKey = "user_id"

// WithUserID stores the authenticated caller on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(contextKeyUserID).(string)
	return u, ok && u != ""
}
