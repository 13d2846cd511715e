package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/taskrelay/internal/ledger"
)

// DecodeTaskCursor parses an opaque page cursor; an empty string means the first page
func DecodeTaskCursor(cursorStr string) (*ledger.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdPart, taskID, ok := strings.Cut(string(decoded), "|")
	if !ok || taskID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(createdPart, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &ledger.Cursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		TaskID:    taskID,
	}, nil
}

func EncodeTaskCursor(cursor *ledger.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.TaskID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
