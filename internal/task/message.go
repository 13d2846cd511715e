package task

import (
	"github.com/google/uuid"
)

// ContentType is the broker content type of an encoded Message.
const ContentType = "application/json"

// Message is the unit transported on the broker. FileReference names a payload that
// is already complete on the staging store when the message is published.
type Message struct {
	TaskID        string `json:"task_id" validate:"required"`
	TaskOwner     string `json:"task_owner" validate:"required"`
	TaskTypeID    string `json:"task_type_id" validate:"required"`
	FileReference string `json:"file_reference" validate:"required"`
}

// NewID returns a fresh task id.
func NewID() string {
	return uuid.NewString()
}
