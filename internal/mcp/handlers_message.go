package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/validation"
)

type SendMessageParams struct {
	Text   string `json:"text" jsonschema:"message to post"`
	ChatID string `json:"chat_id,omitempty" jsonschema:"destination chat; defaults to the bound chat"`
}

func (s *Server) handleSendMessage(ctx context.Context, request *mcp.CallToolRequest, params SendMessageParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if s.cfg.Messages == nil {
		return nil, nil, fmt.Errorf("messaging is not available")
	}
	if err := validation.ValidateMessage(params.Text); err != nil {
		return nil, nil, err
	}

	chatID := params.ChatID
	if chatID != "" {
		if err := validation.ValidateChatID(chatID); err != nil {
			return nil, nil, err
		}
	} else if s.cfg.DefaultChat != nil {
		chatID = s.cfg.DefaultChat()
	}
	if chatID == "" {
		s.recordAudit(ctx, audit.OpMessageSend, "", "", ErrNoDestination, nil)
		return nil, nil, ErrNoDestination
	}

	sentTo, err := s.cfg.Messages.PushText(ctx, chatID, params.Text)
	if sentTo == "" {
		sentTo = chatID
	}
	s.recordAudit(ctx, audit.OpMessageSend, "", sentTo, err, map[string]any{"chars": len([]rune(params.Text))})
	if err != nil {
		return nil, nil, SanitizeError(err, "send message")
	}
	return NewTextResult(fmt.Sprintf("Message sent to %s.", sentTo)), nil, nil
}
