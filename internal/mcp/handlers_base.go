package mcp

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/auth"
	"github.com/HyphaGroup/acpbridge/internal/logger"
)

// requireAuth extracts auth context and returns error if missing
func requireAuth(ctx context.Context) (*auth.AuthContext, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, fmt.Errorf("authentication required")
	}
	return authCtx, nil
}

// requireWriteAccess checks if auth context can perform write operations
func requireWriteAccess(ctx context.Context) (*auth.AuthContext, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !authCtx.CanWrite() {
		return nil, fmt.Errorf("read-only access, write operations not permitted")
	}
	return authCtx, nil
}

// recordAudit logs a write operation with the caller and request id
func (s *Server) recordAudit(ctx context.Context, op audit.Operation, scheduleID, chatID string, err error, details map[string]any) {
	event := &audit.Event{
		Operation:  op,
		ClientID:   auth.FromContext(ctx).ClientID(),
		ScheduleID: scheduleID,
		ChatID:     chatID,
		Success:    err == nil,
		Details:    details,
	}
	if id, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		event.RequestID = id
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.audit.Log(event)
}
