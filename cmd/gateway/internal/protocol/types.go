package protocol

import "github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"

const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
	ActionIdentify       = "identify"
	ActionPublish        = "publish"
	ActionAlertHistory   = "alert_history"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

type RequestPayload struct {
	Symbols []string `json:"symbols,omitempty"`
	// Token carries the API token for "identify".
	Token string `json:"token,omitempty"`
	// Snapshot carries the observation an elite client submits via "publish".
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
}

type WSResponse struct {
	Type    string      `json:"type"`             // "ack", "error", "ticker", "alert"
	ID      string      `json:"id,omitempty"`     // Matches request ID
	Status  string      `json:"status,omitempty"` // "success", "error"
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
