// Package mcpserver exposes the delivery engine as MCP tools over stdio.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/engine"
)

// Engine is the part of *engine.DeliveryEngine the tools call.
type Engine interface {
	Detect(ctx context.Context, text string) ([]engine.TriggerMatch, error)
	ExtractURLs(text string) []string
	ProcessOutgoingMessage(ctx context.Context, subscriber, text string) (engine.ProcessResult, error)
	History(ctx context.Context, subscriber string) (engine.History, error)
	SendRecord(ctx context.Context, subscriber, triggerID string) (engine.SendRecord, error)
	ResetHistory(ctx context.Context, subscriber, triggerID string) error
	ListTriggers(ctx context.Context) ([]engine.TriggerDefinition, error)
	Preview(ctx context.Context, subject string) (engine.Resolution, error)
}

type Server struct {
	server *mcp.Server
	eng    Engine
}

func NewServer(eng Engine, version string) *Server {
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "media-delivery", Version: version}, nil),
		eng:    eng,
	}
	s.registerTools()
	return s
}

// Run serves over stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Tools whose results carry timestamps return any so no output schema is
// inferred for time.Time.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detect_triggers",
		Description: "Find keyword and product URL triggers in a message without sending anything.",
	}, s.detect)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "process_outgoing_message",
		Description: "Run the full pipeline for an outbound message: detect triggers, apply duplicate suppression and send the images to the subscriber.",
	}, s.process)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_send_history",
		Description: "Return what was sent to a subscriber, for every trigger or one trigger id.",
	}, s.history)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "reset_send_history",
		Description: "Clear send history for a subscriber so suppressed triggers can be sent again. Omit trigger_id to clear all.",
	}, s.reset)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_triggers",
		Description: "List the configured keyword and product triggers.",
	}, s.listTriggers)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "preview_subject",
		Description: "Show which images a trigger would send right now, in order.",
	}, s.preview)
}

type TextInput struct {
	Text string `json:"text" jsonschema:"the outbound message text"`
}

type DetectOutput struct {
	Matches []engine.TriggerMatch `json:"matches"`
	URLs    []string              `json:"urls"`
}

func (s *Server) detect(ctx context.Context, _ *mcp.CallToolRequest, in TextInput) (*mcp.CallToolResult, DetectOutput, error) {
	matches, err := s.eng.Detect(ctx, in.Text)
	if err != nil {
		return nil, DetectOutput{}, err
	}
	if matches == nil {
		matches = []engine.TriggerMatch{}
	}
	return nil, DetectOutput{Matches: matches, URLs: s.eng.ExtractURLs(in.Text)}, nil
}

type ProcessInput struct {
	SubscriberID string `json:"subscriber_id" jsonschema:"the recipient the images are pushed to"`
	Text         string `json:"text" jsonschema:"the outbound message text"`
}

func (s *Server) process(ctx context.Context, _ *mcp.CallToolRequest, in ProcessInput) (*mcp.CallToolResult, engine.ProcessResult, error) {
	res, err := s.eng.ProcessOutgoingMessage(ctx, in.SubscriberID, in.Text)
	return nil, res, err
}

type HistoryInput struct {
	SubscriberID string `json:"subscriber_id" jsonschema:"the subscriber whose history is read"`
	TriggerID    string `json:"trigger_id,omitempty" jsonschema:"optional trigger id such as keyword:box"`
}

type HistoryOutput struct {
	History engine.History `json:"history"`
}

func (s *Server) history(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, any, error) {
	if in.SubscriberID == "" {
		return nil, nil, apperr.Validationf("mcp.history", "subscriber_id is required")
	}
	if in.TriggerID != "" {
		rec, err := s.eng.SendRecord(ctx, in.SubscriberID, in.TriggerID)
		if err != nil {
			return nil, nil, err
		}
		return nil, HistoryOutput{History: engine.History{in.TriggerID: rec}}, nil
	}
	h, err := s.eng.History(ctx, in.SubscriberID)
	if err != nil {
		return nil, nil, err
	}
	if h == nil {
		h = engine.History{}
	}
	return nil, HistoryOutput{History: h}, nil
}

type ResetOutput struct {
	Success bool `json:"success"`
}

func (s *Server) reset(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, ResetOutput, error) {
	if in.SubscriberID == "" {
		return nil, ResetOutput{}, apperr.Validationf("mcp.reset", "subscriber_id is required")
	}
	if err := s.eng.ResetHistory(ctx, in.SubscriberID, in.TriggerID); err != nil {
		return nil, ResetOutput{}, err
	}
	return nil, ResetOutput{Success: true}, nil
}

type ListInput struct{}

type ListOutput struct {
	Triggers []engine.TriggerDefinition `json:"triggers"`
}

func (s *Server) listTriggers(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, any, error) {
	defs, err := s.eng.ListTriggers(ctx)
	if err != nil {
		return nil, nil, err
	}
	if defs == nil {
		defs = []engine.TriggerDefinition{}
	}
	return nil, ListOutput{Triggers: defs}, nil
}

type PreviewInput struct {
	Subject string `json:"subject" jsonschema:"the trigger id to preview"`
}

func (s *Server) preview(ctx context.Context, _ *mcp.CallToolRequest, in PreviewInput) (*mcp.CallToolResult, any, error) {
	res, err := s.eng.Preview(ctx, in.Subject)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}
