package models

import "time"

// ServerRecord is the durable row backing a registered server. The live
// ServerStatus is seeded from these records at engine start; history and
// uptime fields are written back after each accepted sample.
type ServerRecord struct {
	ID   int64  `json:"id"`
	Code string `json:"code" validate:"required,max=50"`
	Name string `json:"name" validate:"required,max=100"`
	IP   string `json:"ip" validate:"omitempty,ip"`
	Port int    `json:"port" validate:"omitempty,min=1,max=65535"`

	Processes []*ProcessStatus `json:"processes"`

	CPUHistory     History `json:"cpuHistory"`
	RAMHistory     History `json:"ramHistory"`
	GPUHistory     History `json:"gpuHistory"`
	NetworkHistory History `json:"networkHistory"`

	UpTime       int64   `json:"upTime"`
	DownTime     int64   `json:"downTime"`
	Availability float64 `json:"availability"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogEntry is one free-text log line pushed by an agent. Entries travel
// through the stream, are buffered per server code, and land in storage
// as a batch.
type LogEntry struct {
	ID         int64     `json:"id,omitempty"`
	ServerCode string    `json:"serverCode" validate:"required,max=50"`
	Type       string    `json:"type" validate:"required,max=20"`
	Message    string    `json:"message" validate:"required"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotificationType classifies a connectivity notification.
type NotificationType int

const (
	NotificationConnected NotificationType = iota
	NotificationDisconnected
	NotificationProcessStopped
)

// Notification is a persisted connectivity event shown in the dashboard
// feed until marked read.
type Notification struct {
	ID         int64            `json:"id"`
	ServerCode string           `json:"serverCode"`
	ServerName string           `json:"serverName"`
	Type       NotificationType `json:"type"`
	Read       bool             `json:"read"`
	Timestamp  time.Time        `json:"timestamp"`
}

// MailRecipient is an address subscribed to disconnect alerts.
type MailRecipient struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email" validate:"required,email"`
	CreatedAt time.Time `json:"createdAt"`
}
