// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Laguz task tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/taskstore"
)

// Server wraps the MCP server with Laguz tools.
type Server struct {
	mcp     *server.MCPServer
	session *taskstore.Session
}

// New creates a new MCP server with all Laguz tools registered.
func New(session *taskstore.Session) *Server {
	s := &Server{session: session}

	s.mcp = server.NewMCPServer(
		"Laguz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by status."),
		mcp.WithString("status", mcp.Description("Optional status filter: todo or completed")),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("add_task",
		mcp.WithDescription("Add a new task. Field semantics (recurrence values, "+
			"date format) are described by the get_task_contract tool or the "+
			"laguz://task-format resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Longer free-form description")),
		mcp.WithString("due_date", mcp.Description("Due date as YYYY-MM-DD")),
		mcp.WithString("recurrence", mcp.Description("Repeat interval: weekly, monthly, quarterly, or yearly")),
		mcp.WithString("labels", mcp.Description("Comma-separated labels")),
	), s.addTask)

	s.mcp.AddTool(mcp.NewTool("complete_task",
		mcp.WithDescription("Mark a task completed. Recurring tasks with a due date "+
			"spawn their next occurrence automatically."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.completeTask)

	s.mcp.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task permanently on all synced devices."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.deleteTask)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Report the current sync connection state: room, peers, errors."),
	), s.syncStatus)

	s.mcp.AddTool(mcp.NewTool("get_task_contract",
		mcp.WithDescription("Returns the canonical Laguz task field contract. "+
			"Call this before adding tasks to use valid field values."),
	), s.getTaskContract)

	// Resource: task field contract.
	s.mcp.AddResource(
		mcp.NewResource("laguz://task-format", "Task Field Contract",
			mcp.WithResourceDescription("Canonical task field semantics for creating tasks."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readTaskFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := ""
	if v, err := req.RequireString("status"); err == nil {
		status = v
	}

	all := s.session.Snapshot()
	tasks := make([]models.Task, 0, len(all))
	for _, t := range all {
		if status != "" && string(t.Status) != status {
			continue
		}
		tasks = append(tasks, t)
	}
	out, _ := json.MarshalIndent(tasks, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) addTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t := models.Task{Title: title, Status: models.StatusTodo}
	if v, vErr := req.RequireString("description"); vErr == nil {
		t.Description = v
	}
	if v, vErr := req.RequireString("labels"); vErr == nil && v != "" {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				t.Labels = append(t.Labels, l)
			}
		}
	}
	if v, vErr := req.RequireString("recurrence"); vErr == nil && v != "" {
		rec := models.Recurrence(v)
		if !rec.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid recurrence: %s", v)), nil
		}
		t.Recurrence = rec
	}
	if v, vErr := req.RequireString("due_date"); vErr == nil && v != "" {
		due, parseErr := time.Parse("2006-01-02", v)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid due_date: %s", v)), nil
		}
		t.DueDate = &due
	}

	created, err := s.session.AddTask(t)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", created.ID)), nil
}

func (s *Server) completeTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	completed, err := s.session.CompleteTask(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg := fmt.Sprintf("completed: %s", completed.ID)
	if completed.Recurrence != models.RecurNone && completed.DueDate != nil {
		msg += " (next occurrence scheduled)"
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) deleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.session.DeleteTask(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) syncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(s.session.Status(), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getTaskContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(TaskFieldContract), nil
}

func (s *Server) readTaskFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "laguz://task-format",
			MIMEType: "text/markdown",
			Text:     TaskFieldContract,
		},
	}, nil
}
