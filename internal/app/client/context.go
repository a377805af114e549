package client

import (
	"context"
	"errors"
)

var ErrNoApp = errors.New("client is not initialized")

type appKey struct{}

// WithApp stores app in ctx for command handlers.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

func FromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey{}).(*App)
	if !ok || app == nil {
		return nil, ErrNoApp
	}
	return app, nil
}

// Command annotations read when the client is set up.
const (
	// AnnotationOnline connects the engine to the server.
	AnnotationOnline = "datasync/online"
	// AnnotationNoApp skips opening the local database.
	AnnotationNoApp = "datasync/no-app"
)
