package server

import (
	"context"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/service"
)

// Service is the backend state the HTTP and gRPC servers expose. An account
// id of zero means the account the backend currently serves.
type Service interface {
	Settings(ctx context.Context, accountID int64) ([]byte, error)
	Decide(ctx context.Context, accountID int64, flagKey, userID string, variables map[string]core.Value) (core.Decision, error)
	Track(ctx context.Context, accountID int64, event core.TrackingEvent) (map[string]bool, error)
	SetAttributes(ctx context.Context, accountID int64, userID string, attributes map[string]core.Value) (map[string]error, error)
	ListChangesSince(ctx context.Context, eventID int64) ([]service.Change, error)
}

var _ Service = (*service.Service)(nil)
