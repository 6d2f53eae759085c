package qdbapi

import "time"

// Request type names carried in the payload "@type".
const (
	GetEntityRequest            = "WebRuntimeGetEntityRequest"
	GetEntitiesRequest          = "WebRuntimeGetEntitiesRequest"
	DatabaseRequest             = "WebRuntimeDatabaseRequest"
	RegisterNotificationRequest = "WebRuntimeRegisterNotificationRequest"
	GetNotificationsRequest     = "WebRuntimeGetNotificationsRequest"
)

// Database request kinds.
const (
	RequestTypeRead  = "READ"
	RequestTypeWrite = "WRITE"
)

// WireValue is the tagged field value: {"@type": ".../qdb.<Kind>", "raw": ...}.
type WireValue struct {
	TypeURL string `json:"@type"`
	Raw     any    `json:"raw"`
}

type GetEntity struct {
	TypeURL  string `json:"@type"`
	EntityID string `json:"entityId"`
}

type GetEntities struct {
	TypeURL    string `json:"@type"`
	EntityType string `json:"entityType"`
}

type Database struct {
	TypeURL     string         `json:"@type"`
	RequestType string         `json:"requestType"`
	Requests    []DatabaseItem `json:"requests"`
}

type DatabaseItem struct {
	EntityID string     `json:"entityId"`
	Field    string     `json:"field"`
	Value    *WireValue `json:"value,omitempty"`
}

type RegisterNotification struct {
	TypeURL  string                `json:"@type"`
	Requests []NotificationRequest `json:"requests"`
}

// NotificationRequest subscribes by entity id or by entity type; exactly one
// of ID and EntityType is set.
type NotificationRequest struct {
	ID             string   `json:"id,omitempty"`
	EntityType     string   `json:"type,omitempty"`
	Field          string   `json:"field"`
	ContextFields  []string `json:"contextFields"`
	NotifyOnChange bool     `json:"notifyOnChange"`
}

type GetNotifications struct {
	TypeURL string `json:"@type"`
}

type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type GetEntityResponse struct {
	Entity *Entity `json:"entity,omitempty"`
}

type GetEntitiesResponse struct {
	Entities []Entity `json:"entities"`
}

type DatabaseResponse struct {
	Response []DatabaseResult `json:"response"`
}

// DatabaseResult carries Value for reads and Success for writes.
type DatabaseResult struct {
	ID        string     `json:"id"`
	Field     string     `json:"field"`
	Value     *WireValue `json:"value,omitempty"`
	WriteTime time.Time  `json:"writeTime"`
	Success   bool       `json:"success"`
}

type RegisterNotificationResponse struct {
	Tokens []string `json:"tokens"`
}

type GetNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

type Notification struct {
	Token    string       `json:"token"`
	Current  FieldValue   `json:"current"`
	Previous FieldValue   `json:"previous"`
	Context  []FieldValue `json:"context"`
}

type FieldValue struct {
	ID        string     `json:"id"`
	Field     string     `json:"field"`
	Value     *WireValue `json:"value,omitempty"`
	WriteTime time.Time  `json:"writeTime"`
}
