// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ClientStatus is the client-side lifecycle state of a stored message.
type ClientStatus string

const (
	StatusReceived  ClientStatus = "RECEIVED"
	StatusConfirmed ClientStatus = "CONFIRMED"
	StatusDeleted   ClientStatus = "DELETED"
	StatusError     ClientStatus = "ERROR"
)

// ParseClientStatus accepts any casing of a status name.
func ParseClientStatus(s string) (ClientStatus, error) {
	switch st := ClientStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusReceived, StatusConfirmed, StatusDeleted, StatusError:
		return st, nil
	}

	return "", fmt.Errorf("unknown client status %q", s)
}

// MessageType decides whether a message is rendered or stored silently.
type MessageType string

const (
	TypeNotification MessageType = "NOTIFICATION"
	TypeSilent       MessageType = "SILENT"
)

// PushMode is the server-declared delivery strategy for this app.
type PushMode string

const (
	// PushModePublic delivers through the wake-up channel only.
	PushModePublic PushMode = "PUBLIC"
	// PushModePrivate delivers through the event stream only.
	PushModePrivate PushMode = "PRIVATE"
	// PushModeAll uses both.
	PushModeAll PushMode = "ALL"
)

// ParsePushMode accepts any casing of a push mode name.
func ParsePushMode(s string) (PushMode, error) {
	switch m := PushMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case PushModePublic, PushModePrivate, PushModeAll:
		return m, nil
	}

	return "", fmt.Errorf("unknown push mode %q", s)
}

// UsesLogin reports whether the mode needs a user login session.
func (m PushMode) UsesLogin() bool {
	return m == PushModePublic || m == PushModeAll
}

// UsesStream reports whether the mode needs the event stream.
func (m PushMode) UsesStream() bool {
	return m == PushModePrivate || m == PushModeAll
}

// Channel holds the platform notification channel metadata.
type Channel struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Message is a persisted push message. DispatchID is the dedup key.
type Message struct {
	DispatchID      string       `json:"dispatchId" yaml:"dispatch_id"`
	MessageID       string       `json:"messageId,omitempty" yaml:"message_id,omitempty"`
	MessageType     MessageType  `json:"messageType" yaml:"message_type"`
	Priority        string       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Title           string       `json:"title,omitempty" yaml:"title,omitempty"`
	Body            string       `json:"body,omitempty" yaml:"body,omitempty"`
	ImageURL        string       `json:"imageUrl,omitempty" yaml:"image_url,omitempty"`
	CampaignID      string       `json:"campaignId,omitempty" yaml:"campaign_id,omitempty"`
	Payload         string       `json:"payload,omitempty" yaml:"payload,omitempty"`
	AsyncSubmission string       `json:"asyncSubmission,omitempty" yaml:"async_submission,omitempty"`
	Sender          string       `json:"sender,omitempty" yaml:"sender,omitempty"`
	Channel         Channel      `json:"channel" yaml:"channel,omitempty"`
	ReceivedAt      time.Time    `json:"receivedAt" yaml:"received_at"`
	CreatedAt       time.Time    `json:"createdAt" yaml:"created_at"`
	UpdatedAt       time.Time    `json:"updatedAt" yaml:"updated_at"`
	ClientStatus    ClientStatus `json:"clientStatus" yaml:"client_status"`
	SendToServer    bool         `json:"sendToServer" yaml:"send_to_server"`
	ErrorMessage    string       `json:"errorMessage,omitempty" yaml:"error_message,omitempty"`

	// ReportStatus is the status the last report tried to deliver. It
	// survives a failed report so the retry sweep can resend it.
	ReportStatus ClientStatus `json:"reportStatus,omitempty" yaml:"report_status,omitempty"`

	// Seq is the local insertion sequence, assigned by the store.
	Seq uint64 `json:"seq" yaml:"-"`
}

// IsNotification reports whether the message should be rendered.
func (m *Message) IsNotification() bool {
	return strings.EqualFold(string(m.MessageType), string(TypeNotification))
}

// PendingStatus returns the status a retry should report: the last
// intended status for failed reports, otherwise the current status.
func (m *Message) PendingStatus() ClientStatus {
	if m.ClientStatus == StatusError {
		if m.ReportStatus != "" && m.ReportStatus != StatusError {
			return m.ReportStatus
		}

		return StatusReceived
	}

	return m.ClientStatus
}

// Campaign is a marketing campaign the user can consent to.
type Campaign struct {
	CampaignID   int64  `json:"campaignId"`
	CampaignName string `json:"campaignName"`
	Consented    bool   `json:"consented"`
}

// ConsentResult is the server's view after a user consent update.
type ConsentResult struct {
	Consented bool       `json:"consented"`
	Campaigns []Campaign `json:"campaignDetails"`
}
