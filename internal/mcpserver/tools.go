// Package mcpserver registers MCP tools that expose the push agent: its
// status, the stored messages, and the operations an operator triggers
// by hand.
package mcpserver

//go:generate mockgen -source=tools.go -destination=mocks_test.go -package=mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/push-agent/internal/engine"
	"github.com/alexjbarnes/push-agent/internal/models"
)

// Agent is the part of the engine the tools drive.
type Agent interface {
	Status() (*engine.Status, error)
	Messages() ([]*models.Message, error)
	ByStatus(status models.ClientStatus) ([]*models.Message, error)
	Message(id string) (*models.Message, error)
	MarkConfirmed(ctx context.Context, id string) (bool, error)
	MarkAllConfirmed(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	Sync(ctx context.Context) (int, error)
	RetrySweep(ctx context.Context) (int, error)
	Campaigns(ctx context.Context) ([]models.Campaign, error)
	UpdateConsent(ctx context.Context, consented bool) (*models.ConsentResult, error)
	UpdateCampaignConsent(ctx context.Context, campaignID int64, consented bool) (*models.ConsentResult, error)
}

// RegisterTools adds all push tools to the given MCP server.
func RegisterTools(server *mcp.Server, a Agent) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_status",
		Description: "Show the agent status: device id, push mode, stream connection state, whether a session exists, and message counts per status.",
	}, statusHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_list_messages",
		Description: "List stored messages, newest first. Optionally filter by status (RECEIVED, CONFIRMED, DELETED, ERROR) and cap the number returned.",
	}, listHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_get_message",
		Description: "Get one stored message by dispatch id, including its payload and reporting state.",
	}, getHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_mark_confirmed",
		Description: "Mark a message as read and report it to the push server. Set all=true to confirm every RECEIVED message.",
	}, markConfirmedHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_delete_message",
		Description: "Mark a message DELETED and report it to the push server. The message stays in the local store.",
	}, deleteHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_sync",
		Description: "Fetch messages missed while offline. Returns how many new messages were stored.",
	}, syncHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_retry_sweep",
		Description: "Resend every status report that has not reached the push server. Returns how many messages were reported.",
	}, retrySweepHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_campaigns",
		Description: "List the campaigns the user belongs to and whether they consented to each.",
	}, campaignsHandler(a))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_update_consent",
		Description: "Set push consent. With campaign_id, sets consent for that campaign only; otherwise sets the user's overall consent.",
	}, updateConsentHandler(a))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListInput holds parameters for push_list_messages.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only messages with this status: RECEIVED, CONFIRMED, DELETED or ERROR"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of messages, 0 means all"`
}

// MessageInput identifies one message.
type MessageInput struct {
	DispatchID string `json:"dispatch_id" jsonschema:"required,dispatch id of the message"`
}

// MarkConfirmedInput holds parameters for push_mark_confirmed.
type MarkConfirmedInput struct {
	DispatchID string `json:"dispatch_id,omitempty" jsonschema:"dispatch id of the message to confirm"`
	All        bool   `json:"all,omitempty" jsonschema:"confirm every RECEIVED message instead of one"`
}

// NoInput has no parameters.
type NoInput struct{}

// ConsentInput holds parameters for push_update_consent.
type ConsentInput struct {
	Consented  bool  `json:"consented" jsonschema:"required,whether the user consents"`
	CampaignID int64 `json:"campaign_id,omitempty" jsonschema:"campaign to update, omit for overall consent"`
}

// --- Output types ---

// MessageView is a stored message as tools return it.
type MessageView struct {
	DispatchID   string `json:"dispatch_id"`
	Type         string `json:"type"`
	Title        string `json:"title,omitempty"`
	Body         string `json:"body,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	Payload      string `json:"payload,omitempty"`
	Channel      string `json:"channel,omitempty"`
	Status       string `json:"status"`
	SentToServer bool   `json:"sent_to_server"`
	Error        string `json:"error,omitempty"`
	ReceivedAt   string `json:"received_at"`
	CreatedAt    string `json:"created_at"`
}

func viewOf(m *models.Message) MessageView {
	return MessageView{
		DispatchID:   m.DispatchID,
		Type:         string(m.MessageType),
		Title:        m.Title,
		Body:         m.Body,
		ImageURL:     m.ImageURL,
		CampaignID:   m.CampaignID,
		Payload:      m.Payload,
		Channel:      m.Channel.Name,
		Status:       string(m.ClientStatus),
		SentToServer: m.SendToServer,
		Error:        m.ErrorMessage,
		ReceivedAt:   m.ReceivedAt.UTC().Format(time.RFC3339),
		CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListResult is the output of push_list_messages.
type ListResult struct {
	Total    int           `json:"total"`
	Messages []MessageView `json:"messages"`
}

// CountResult reports how many messages an operation affected.
type CountResult struct {
	Count int `json:"count"`
}

// CampaignsResult is the output of push_campaigns.
type CampaignsResult struct {
	Campaigns []models.Campaign `json:"campaigns"`
}

// --- Handlers ---

func statusHandler(a Agent) mcp.ToolHandlerFor[StatusInput, *engine.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *engine.Status, error) {
		result, err := a.Status()
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func listHandler(a Agent) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		var (
			msgs []*models.Message
			err  error
		)

		if input.Status != "" {
			status, perr := models.ParseClientStatus(input.Status)
			if perr != nil {
				return nil, nil, perr
			}

			msgs, err = a.ByStatus(status)
		} else {
			msgs, err = a.Messages()
		}

		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Total: len(msgs), Messages: make([]MessageView, 0, len(msgs))}

		for _, m := range msgs {
			if input.Limit > 0 && len(result.Messages) == input.Limit {
				break
			}

			result.Messages = append(result.Messages, viewOf(m))
		}

		return textResult(result), result, nil
	}
}

func getHandler(a Agent) mcp.ToolHandlerFor[MessageInput, *MessageView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *MessageView, error) {
		m, err := a.Message(input.DispatchID)
		if err != nil {
			return nil, nil, err
		}

		if m == nil {
			return nil, nil, fmt.Errorf("message %q not found", input.DispatchID)
		}

		result := viewOf(m)
		return textResult(result), &result, nil
	}
}

func markConfirmedHandler(a Agent) mcp.ToolHandlerFor[MarkConfirmedInput, *CountResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MarkConfirmedInput) (*mcp.CallToolResult, *CountResult, error) {
		if input.All {
			n, err := a.MarkAllConfirmed(ctx)
			if err != nil {
				return nil, nil, err
			}

			result := &CountResult{Count: n}
			return textResult(result), result, nil
		}

		if input.DispatchID == "" {
			return nil, nil, fmt.Errorf("dispatch_id is required unless all is set")
		}

		found, err := a.MarkConfirmed(ctx, input.DispatchID)
		return oneMessage(input.DispatchID, found, err)
	}
}

func deleteHandler(a Agent) mcp.ToolHandlerFor[MessageInput, *CountResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *CountResult, error) {
		found, err := a.Delete(ctx, input.DispatchID)
		return oneMessage(input.DispatchID, found, err)
	}
}

func oneMessage(id string, found bool, err error) (*mcp.CallToolResult, *CountResult, error) {
	if err != nil {
		return nil, nil, err
	}

	if !found {
		return nil, nil, fmt.Errorf("message %q not found", id)
	}

	result := &CountResult{Count: 1}
	return textResult(result), result, nil
}

func syncHandler(a Agent) mcp.ToolHandlerFor[NoInput, *CountResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *CountResult, error) {
		n, err := a.Sync(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &CountResult{Count: n}
		return textResult(result), result, nil
	}
}

func retrySweepHandler(a Agent) mcp.ToolHandlerFor[NoInput, *CountResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *CountResult, error) {
		n, err := a.RetrySweep(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &CountResult{Count: n}
		return textResult(result), result, nil
	}
}

func campaignsHandler(a Agent) mcp.ToolHandlerFor[NoInput, *CampaignsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *CampaignsResult, error) {
		campaigns, err := a.Campaigns(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &CampaignsResult{Campaigns: campaigns}
		if result.Campaigns == nil {
			result.Campaigns = []models.Campaign{}
		}

		return textResult(result), result, nil
	}
}

func updateConsentHandler(a Agent) mcp.ToolHandlerFor[ConsentInput, *models.ConsentResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConsentInput) (*mcp.CallToolResult, *models.ConsentResult, error) {
		var (
			result *models.ConsentResult
			err    error
		)

		if input.CampaignID != 0 {
			result, err = a.UpdateCampaignConsent(ctx, input.CampaignID, input.Consented)
		} else {
			result, err = a.UpdateConsent(ctx, input.Consented)
		}

		if err != nil {
			return nil, nil, err
		}

		if result.Campaigns == nil {
			result.Campaigns = []models.Campaign{}
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
