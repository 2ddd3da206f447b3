package model

import "time"

type TrackingEventType string

const (
	TrackingEventOpen  TrackingEventType = "open"
	TrackingEventClick TrackingEventType = "click"
)

// TrackingEvent is one row of the append-only engagement log.
type TrackingEvent struct {
	ID             int64             `json:"id"`
	EmailID        string            `json:"emailId"`
	Type           TrackingEventType `json:"type"`
	URL            string            `json:"url,omitempty"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	RecipientEmail string            `json:"recipientEmail,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// RequestMeta describes who hit a tracking endpoint.
type RequestMeta struct {
	IP             string
	UserAgent      string
	RecipientEmail string
	At             time.Time
}
