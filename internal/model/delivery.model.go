package model

import "time"

// DeliveryTask is the unit of work handed to the delivery executor, one per message.
type DeliveryTask struct {
	MessageID   int64  `json:"message_id"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
}

// DeliveryCacheEntry records a confirmed external delivery.
type DeliveryCacheEntry struct {
	MessageID  int64     `json:"message_id"`
	ExternalID string    `json:"external_message_id"`
	SentAt     time.Time `json:"sent_at"`
	CachedAt   time.Time `json:"cached_at"`
}

// DeliveryOutcome is the normalized result of one webhook call.
type DeliveryOutcome struct {
	success    bool
	externalID string
	reason     string
}

func DeliverySucceeded(externalID string) DeliveryOutcome {
	return DeliveryOutcome{success: true, externalID: externalID}
}

func DeliveryFailed(reason string) DeliveryOutcome {
	return DeliveryOutcome{reason: reason}
}

func (o DeliveryOutcome) IsSuccess() bool    { return o.success }
func (o DeliveryOutcome) ExternalID() string { return o.externalID }
func (o DeliveryOutcome) Reason() string     { return o.reason }
