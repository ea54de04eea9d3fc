package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
	"github.com/HyphaGroup/acpbridge/internal/validation"
)

const (
	timeLayout          = "2006-01-02 15:04"
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)

// Schedule Management Handlers

type ScheduleCreateParams struct {
	Message         string `json:"message" jsonschema:"task the agent performs when the schedule fires"`
	Description     string `json:"description,omitempty" jsonschema:"short label used in notifications"`
	CronExpr        string `json:"cron_expr,omitempty" jsonschema:"5-field cron expression for a recurring schedule"`
	RunAt           string `json:"run_at,omitempty" jsonschema:"RFC 3339 time or a delay such as 30m for a one-time schedule"`
	ChatID          string `json:"chat_id,omitempty" jsonschema:"chat that receives the result; defaults to the bound chat"`
	OverlapBehavior string `json:"overlap_behavior,omitempty" jsonschema:"skip (default) or parallel"`
	Enabled         *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleCreate(ctx context.Context, request *mcp.CallToolRequest, params ScheduleCreateParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}

	if err := validation.ValidateMessage(params.Message); err != nil {
		return nil, nil, err
	}
	cronExpr := strings.TrimSpace(params.CronExpr)
	runAt := strings.TrimSpace(params.RunAt)
	if (cronExpr == "") == (runAt == "") {
		return nil, nil, fmt.Errorf("exactly one of cron_expr or run_at is required")
	}
	if params.ChatID != "" {
		if err := validation.ValidateChatID(params.ChatID); err != nil {
			return nil, nil, err
		}
	}

	sched := &schedule.Schedule{
		ID:              schedule.NewID(),
		Message:         params.Message,
		Description:     strings.TrimSpace(params.Description),
		Enabled:         true,
		OverlapBehavior: schedule.OverlapSkip,
		CreatedBy:       "mcp",
		Metadata: schedule.Metadata{
			ChatID:   params.ChatID,
			Platform: s.cfg.Platform,
		},
	}
	if params.Enabled != nil {
		sched.Enabled = *params.Enabled
	}
	if params.OverlapBehavior != "" {
		b := schedule.OverlapBehavior(params.OverlapBehavior)
		if !schedule.IsValidOverlapBehavior(b) {
			return nil, nil, fmt.Errorf("invalid overlap_behavior: %s", params.OverlapBehavior)
		}
		sched.OverlapBehavior = b
	}

	if cronExpr != "" {
		if err := schedule.ValidateCron(cronExpr); err != nil {
			return nil, nil, err
		}
		sched.Type = schedule.TypeRecurring
		sched.CronExpr = cronExpr
	} else {
		at, err := validation.ParseRunAt(runAt, s.now())
		if err != nil {
			return nil, nil, err
		}
		sched.Type = schedule.TypeOneTime
		sched.RunAt = &at
	}

	err := s.cfg.Schedules.Create(sched)
	s.recordAudit(ctx, audit.OpScheduleCreate, sched.ID, sched.Metadata.ChatID, err, map[string]any{"type": sched.Type})
	if err != nil {
		return nil, nil, SanitizeError(err, "create schedule")
	}
	s.wake()
	logger.InfoContext(ctx, "schedule created via tool server", "schedule_id", sched.ID, "type", sched.Type)

	return NewTextResult("✅ Schedule created successfully!\n\n" + s.describe(sched)), nil, nil
}

type ScheduleListParams struct {
	Type    string `json:"type,omitempty" jsonschema:"recurring, one_time or async_conversation"`
	ChatID  string `json:"chat_id,omitempty" jsonschema:"only schedules routed to this chat"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleList(ctx context.Context, request *mcp.CallToolRequest, params ScheduleListParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireAuth(ctx); err != nil {
		return nil, nil, err
	}

	filter := &schedule.ListFilter{ChatID: params.ChatID, Enabled: params.Enabled}
	if params.Type != "" {
		filter.Type = schedule.Type(params.Type)
		if !schedule.IsValidType(filter.Type) {
			return nil, nil, fmt.Errorf("invalid type: %s", params.Type)
		}
	}

	schedules, err := s.cfg.Schedules.List(filter)
	if err != nil {
		return nil, nil, SanitizeError(err, "list schedules")
	}
	if len(schedules) == 0 {
		return NewTextResult("No schedules found."), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d schedule(s):\n\n", len(schedules))
	for _, sched := range schedules {
		status := "enabled"
		if !sched.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "• %s (%s)\n", sched.Label(), sched.ID)
		fmt.Fprintf(&b, "  Type:     %s\n", sched.Type)
		if sched.CronExpr != "" {
			fmt.Fprintf(&b, "  Cron:     %s\n", sched.CronExpr)
		}
		fmt.Fprintf(&b, "  Status:   %s\n", status)
		if sched.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next Run: %s\n", sched.NextRunAt.Format(timeLayout))
		}
		b.WriteString("\n")
	}
	return NewTextResult(b.String()), nil, nil
}

type ScheduleUpdateParams struct {
	ScheduleID      string  `json:"schedule_id"`
	Message         *string `json:"message,omitempty"`
	Description     *string `json:"description,omitempty"`
	CronExpr        *string `json:"cron_expr,omitempty" jsonschema:"new cron expression, recurring schedules only"`
	RunAt           *string `json:"run_at,omitempty" jsonschema:"new run time, one-time schedules only"`
	ChatID          *string `json:"chat_id,omitempty" jsonschema:"new destination chat; empty string routes to the bound chat"`
	OverlapBehavior *string `json:"overlap_behavior,omitempty"`
	Enabled         *bool   `json:"enabled,omitempty"`
}

func (s *Server) handleScheduleUpdate(ctx context.Context, request *mcp.CallToolRequest, params ScheduleUpdateParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateScheduleID(params.ScheduleID); err != nil {
		return nil, nil, err
	}

	current, err := s.cfg.Schedules.Get(params.ScheduleID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get schedule")
	}

	update := &schedule.ScheduleUpdate{
		Description: params.Description,
		Enabled:     params.Enabled,
	}
	if params.Message != nil {
		if err := validation.ValidateMessage(*params.Message); err != nil {
			return nil, nil, err
		}
		update.Message = params.Message
	}
	if params.CronExpr != nil {
		if current.Type != schedule.TypeRecurring {
			return nil, nil, fmt.Errorf("cron_expr cannot be set on a %s schedule", current.Type)
		}
		if err := schedule.ValidateCron(*params.CronExpr); err != nil {
			return nil, nil, err
		}
		update.CronExpr = params.CronExpr
	}
	if params.RunAt != nil {
		if current.Type != schedule.TypeOneTime {
			return nil, nil, fmt.Errorf("run_at cannot be set on a %s schedule", current.Type)
		}
		at, err := validation.ParseRunAt(*params.RunAt, s.now())
		if err != nil {
			return nil, nil, err
		}
		update.RunAt = &at
	}
	if params.ChatID != nil {
		if *params.ChatID != "" {
			if err := validation.ValidateChatID(*params.ChatID); err != nil {
				return nil, nil, err
			}
		}
		update.ChatID = params.ChatID
	}
	if params.OverlapBehavior != nil {
		b := schedule.OverlapBehavior(*params.OverlapBehavior)
		if !schedule.IsValidOverlapBehavior(b) {
			return nil, nil, fmt.Errorf("invalid overlap_behavior: %s", *params.OverlapBehavior)
		}
		update.OverlapBehavior = &b
	}

	sched, err := s.cfg.Schedules.Update(params.ScheduleID, update)
	s.recordAudit(ctx, audit.OpScheduleUpdate, params.ScheduleID, current.Metadata.ChatID, err, nil)
	if err != nil {
		return nil, nil, SanitizeError(err, "update schedule")
	}
	s.wake()

	return NewTextResult("✅ Schedule updated.\n\n" + s.describe(sched)), nil, nil
}

type ScheduleIDParams struct {
	ScheduleID string `json:"schedule_id"`
}

func (s *Server) handleScheduleDelete(ctx context.Context, request *mcp.CallToolRequest, params ScheduleIDParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateScheduleID(params.ScheduleID); err != nil {
		return nil, nil, err
	}

	err := s.cfg.Schedules.Delete(params.ScheduleID)
	s.recordAudit(ctx, audit.OpScheduleDelete, params.ScheduleID, "", err, nil)
	if err != nil {
		return nil, nil, SanitizeError(err, "delete schedule")
	}
	return NewTextResult(fmt.Sprintf("🗑️ Schedule %s deleted.", params.ScheduleID)), nil, nil
}

// handleScheduleTrigger starts a run in the background. A run can take as
// long as the agent's overall timeout, far longer than a tool call should.
func (s *Server) handleScheduleTrigger(ctx context.Context, request *mcp.CallToolRequest, params ScheduleIDParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateScheduleID(params.ScheduleID); err != nil {
		return nil, nil, err
	}
	if s.cfg.Runner == nil {
		return nil, nil, fmt.Errorf("schedule runner is not available")
	}

	sched, err := s.cfg.Schedules.Get(params.ScheduleID)
	s.recordAudit(ctx, audit.OpScheduleTrigger, params.ScheduleID, "", err, nil)
	if err != nil {
		return nil, nil, SanitizeError(err, "trigger schedule")
	}

	runCtx := logger.WithScheduleID(context.WithoutCancel(ctx), sched.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.cfg.Runner.TriggerNow(runCtx, sched.ID); err != nil {
			logger.ErrorContext(runCtx, "triggered schedule failed", "error", err)
		}
	}()

	return NewTextResult(fmt.Sprintf("▶️ Schedule %s (%s) triggered. The result will be posted to %s.",
		sched.ID, sched.Label(), s.destination(sched))), nil, nil
}

type ScheduleHistoryParams struct {
	ScheduleID string `json:"schedule_id"`
	Limit      int    `json:"limit,omitempty" jsonschema:"number of executions to return, newest first (default 10, max 50)"`
}

func (s *Server) handleScheduleHistory(ctx context.Context, request *mcp.CallToolRequest, params ScheduleHistoryParams) (*mcp.CallToolResult, any, error) {
	if _, err := requireAuth(ctx); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateScheduleID(params.ScheduleID); err != nil {
		return nil, nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	execs, err := s.cfg.Schedules.ListExecutions(params.ScheduleID, limit)
	if err != nil {
		return nil, nil, SanitizeError(err, "list executions")
	}
	if len(execs) == 0 {
		return NewTextResult(fmt.Sprintf("No executions recorded for %s.", params.ScheduleID)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d execution(s) of %s:\n\n", len(execs), params.ScheduleID)
	for _, e := range execs {
		fmt.Fprintf(&b, "• %s  %s", e.ExecutedAt.Format(timeLayout), e.Status)
		if e.DurationMs > 0 {
			fmt.Fprintf(&b, "  (%s)", (time.Duration(e.DurationMs) * time.Millisecond).Round(time.Second))
		}
		b.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", e.Error)
		}
	}
	return NewTextResult(b.String()), nil, nil
}

// describe renders the fields callers usually need after a change
func (s *Server) describe(sched *schedule.Schedule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:          %s\n", sched.ID)
	fmt.Fprintf(&b, "Type:        %s\n", sched.Type)
	if sched.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", sched.Description)
	}
	if sched.CronExpr != "" {
		fmt.Fprintf(&b, "Cron:        %s\n", sched.CronExpr)
	}
	fmt.Fprintf(&b, "Enabled:     %v\n", sched.Enabled)
	fmt.Fprintf(&b, "Delivers to: %s\n", s.destination(sched))
	if sched.NextRunAt != nil {
		fmt.Fprintf(&b, "Next Run:    %s\n", sched.NextRunAt.Format(timeLayout))
	}
	return b.String()
}

func (s *Server) destination(sched *schedule.Schedule) string {
	if sched.Metadata.ChatID != "" {
		return sched.Metadata.ChatID
	}
	if s.cfg.DefaultChat != nil {
		if chat := s.cfg.DefaultChat(); chat != "" {
			return chat + " (default chat)"
		}
	}
	return "the default chat once one is bound"
}

func (s *Server) wake() {
	if s.cfg.Runner != nil {
		s.cfg.Runner.Wake()
	}
}
