package mcp

import (
	"sprintd/state"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const serverInstructions = "This server exposes read-only sprint orchestration state. " +
	"Use list_sprints to discover sprints, sprint_status for a sprint's phase and progress, " +
	"and sprint_huddles for the per-issue execution records. " +
	"All tools read persisted state; none of them mutate a running sprint."

// SprintMCPServer exposes persisted sprint state over MCP. Every tool is
// read-only; driving a sprint happens through the CLI, not through agents.
type SprintMCPServer struct {
	server *mcpserver.MCPServer
	store  *state.Store
}

// NewSprintMCPServer creates an MCP server over the given state directory.
func NewSprintMCPServer(store *state.Store) *SprintMCPServer {
	s := mcpserver.NewMCPServer(
		"sprintd",
		"0.1.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	m := &SprintMCPServer{
		server: s,
		store:  store,
	}
	m.registerTools()

	Log("server created: state dir=%s", store.Dir())
	return m
}

func (m *SprintMCPServer) registerTools() {
	listSprints := gomcp.NewTool("list_sprints",
		gomcp.WithDescription(
			"List all sprints with persisted state: slug, number, phase, and how many "+
				"issues have finished. Use this to discover what sprint_status can be called with.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	m.server.AddTool(listSprints, handleListSprints(m.store))

	sprintStatus := gomcp.NewTool("sprint_status",
		gomcp.WithDescription(
			"Get one sprint's current phase, start time, drift incident count, and "+
				"per-group issue progress.",
		),
		gomcp.WithString("slug",
			gomcp.Required(),
			gomcp.Description("Sprint slug, e.g. 'auth'."),
		),
		gomcp.WithNumber("number",
			gomcp.Required(),
			gomcp.Description("Sprint number."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	m.server.AddTool(sprintStatus, handleSprintStatus(m.store))

	sprintHuddles := gomcp.NewTool("sprint_huddles",
		gomcp.WithDescription(
			"Get the per-issue huddle records for a sprint: status, retries, quality gate "+
				"results, challenger verdicts, and failure reasons, in completion order.",
		),
		gomcp.WithString("slug",
			gomcp.Required(),
			gomcp.Description("Sprint slug, e.g. 'auth'."),
		),
		gomcp.WithNumber("number",
			gomcp.Required(),
			gomcp.Description("Sprint number."),
		),
		gomcp.WithNumber("issue",
			gomcp.Description("Optional issue number to return just that issue's record."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	m.server.AddTool(sprintHuddles, handleSprintHuddles(m.store))
}

// Serve starts the MCP server using stdio transport.
func (m *SprintMCPServer) Serve() error {
	return mcpserver.ServeStdio(m.server)
}
