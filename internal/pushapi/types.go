package pushapi

import "github.com/alexjbarnes/push-agent/internal/models"

// Device identifies this installation to the push server.
type Device struct {
	ID            string
	AppIdentifier string
	Platform      string
}

// Identity is the optional user identity sent on login.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
}

// RegisterRequest registers the device and its current wake-up token.
type RegisterRequest struct {
	AppIdentifier string `json:"appIdentifier"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
	PushToken     string `json:"pushToken"`
}

// RegisterResponse carries the push mode and a short-lived registration
// ticket (rId).
type RegisterResponse struct {
	PushMode string `json:"pushMode"`
	RID      string `json:"rId"`
}

// LoginRequest exchanges a registration ticket for a session token.
type LoginRequest struct {
	Identity
	Platform      string `json:"platform"`
	DeviceID      string `json:"deviceId"`
	AppIdentifier string `json:"appIdentifier"`
	RID           string `json:"rId"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	MatrixPushID string `json:"matrixPushId"`
}

// LogoutRequest ends the session on the server.
type LogoutRequest struct {
	MatrixPushID  string `json:"matrixPushId"`
	AppIdentifier string `json:"appIdentifier"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
}

// StatusUpdate is one entry of a status report.
type StatusUpdate struct {
	PushDispatchID string              `json:"pushDispatchId"`
	Status         models.ClientStatus `json:"status"`
}

// StatusRequest reports client-side message status.
type StatusRequest struct {
	MatrixPushID string         `json:"matrixPushId"`
	UpdateData   []StatusUpdate `json:"updateData"`
}

// HealthCheckRequest acknowledges a liveness probe.
type HealthCheckRequest struct {
	MatrixPushID  string `json:"matrixPushId"`
	HealthCheckID string `json:"healthCheckId"`
}

// SyncRequest asks for messages delivered after a cursor.
type SyncRequest struct {
	MatrixPushID string      `json:"matrixPushId"`
	Details      SyncDetails `json:"details"`
}

// SyncDetails is the cursor portion of a sync request. The server
// expects the limit as a string.
type SyncDetails struct {
	DeviceID       string `json:"deviceId"`
	AppIdentifier  string `json:"appIdentifier"`
	PushDispatchID string `json:"pushDispatchId"`
	Limit          string `json:"limit"`
}

// ConsentRequest updates the user's overall push consent.
type ConsentRequest struct {
	MatrixPushID string `json:"matrixPushId"`
	Consented    bool   `json:"consented"`
}

// CampaignConsentRequest updates consent for one campaign.
type CampaignConsentRequest struct {
	MatrixPushID string `json:"matrixPushId"`
	CampaignID   int64  `json:"campaignId"`
	Consented    bool   `json:"consented"`
}

// CampaignFetchRequest lists the user's campaigns.
type CampaignFetchRequest struct {
	MatrixPushID string `json:"matrixPushId"`
}

// ErrorResponse is the server's common error body.
type ErrorResponse struct {
	Code     string `json:"code"`
	CodeName string `json:"codeName"`
	Message  string `json:"message"`
}
