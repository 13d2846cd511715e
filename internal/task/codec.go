package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// wireMessage accepts the legacy ftp_file_path field that early producers sent.
type wireMessage struct {
	TaskID        *string `json:"task_id"`
	TaskOwner     *string `json:"task_owner"`
	TaskTypeID    *string `json:"task_type_id"`
	FileReference *string `json:"file_reference"`
	FTPFilePath   *string `json:"ftp_file_path"`
}

// Encode serializes m with a fixed field order.
func Encode(m Message) ([]byte, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("failed to encode task message: %w", err)
	}
	return json.Marshal(m)
}

// Decode parses a message body. Every failure is a *DecodeError.
func Decode(body []byte) (Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, &DecodeError{Err: errors.New("body is not a JSON object")}
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Message{}, &DecodeError{Field: typeErr.Field, Err: fmt.Errorf("expected string, got %s", typeErr.Value)}
		}
		return Message{}, &DecodeError{Err: err}
	}

	m := Message{
		TaskID:        deref(w.TaskID),
		TaskOwner:     deref(w.TaskOwner),
		TaskTypeID:    deref(w.TaskTypeID),
		FileReference: deref(w.FileReference),
	}
	if m.FileReference == "" {
		m.FileReference = deref(w.FTPFilePath)
	}

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Message{}, &DecodeError{Field: jsonName(verrs[0].Field()), Err: fmt.Errorf("failed %q check", verrs[0].Tag())}
		}
		return Message{}, &DecodeError{Err: err}
	}

	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func jsonName(field string) string {
	switch field {
	case "TaskID":
		return "task_id"
	case "TaskOwner":
		return "task_owner"
	case "TaskTypeID":
		return "task_type_id"
	case "FileReference":
		return "file_reference"
	default:
		return field
	}
}
