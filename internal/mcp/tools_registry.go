package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerScheduleTools(r)
	s.registerMessageTools(r)
}

func (s *Server) registerScheduleTools(r *Registry) {
	Register(r, ToolDef{
		Name: "schedule_create",
		Description: `Create a schedule that runs a task through the agent later.

Give exactly one of:
  cron_expr: 5-field cron expression ("0 9 * * 1-5") for a recurring task
  run_at: RFC 3339 time or a delay such as "30m" for a one-time task

The result is posted to chat_id, or to the bound chat when omitted.
Write message as a complete, self-contained instruction: it runs with no conversation context.`,
		Access: AccessWrite,
	}, s.handleScheduleCreate)

	Register(r, ToolDef{
		Name:        "schedule_list",
		Description: `List schedules with their type, cron expression, status and next run. Filter by type, chat_id or enabled.`,
		Access:      AccessRead,
	}, s.handleScheduleList)

	Register(r, ToolDef{
		Name: "schedule_update",
		Description: `Change a schedule. Only the fields given are updated.

cron_expr applies to recurring schedules, run_at to one-time schedules.
Set enabled=false to pause a schedule without deleting it.`,
		Access: AccessWrite,
	}, s.handleScheduleUpdate)

	Register(r, ToolDef{
		Name:        "schedule_delete",
		Description: `Delete a schedule by schedule_id.`,
		Access:      AccessWrite,
	}, s.handleScheduleDelete)

	Register(r, ToolDef{
		Name:        "schedule_trigger",
		Description: `Run a schedule now without changing its next run. Returns immediately; the result is posted to the schedule's chat.`,
		Access:      AccessWrite,
	}, s.handleScheduleTrigger)

	Register(r, ToolDef{
		Name:        "schedule_history",
		Description: `Show recent executions of a schedule, newest first, with status, duration and errors.`,
		Access:      AccessRead,
	}, s.handleScheduleHistory)
}

func (s *Server) registerMessageTools(r *Registry) {
	Register(r, ToolDef{
		Name:        "send_message",
		Description: `Post a message to a chat. Defaults to the bound chat. Use it for progress notes during long tasks; the final answer is delivered automatically.`,
		Access:      AccessWrite,
	}, s.handleSendMessage)
}
