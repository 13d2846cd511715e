package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/taskrelay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCursor(t *testing.T) {
	t.Run("empty cursor is the first page", func(t *testing.T) {
		cursor, err := DecodeTaskCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	t.Run("encode then decode keeps position", func(t *testing.T) {
		in := &ledger.Cursor{
			CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC),
			TaskID:    "6f1c2b7e-0d7a-4f5e-9a39-1f0f0f0f0f0f",
		}
		out, err := DecodeTaskCursor(EncodeTaskCursor(in))
		require.NoError(t, err)
		assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
		assert.Equal(t, in.TaskID, out.TaskID)
	})

	invalid := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!"},
		{"missing separator", base64.URLEncoding.EncodeToString([]byte("12345"))},
		{"missing task id", base64.URLEncoding.EncodeToString([]byte("12345|"))},
		{"non numeric time", base64.URLEncoding.EncodeToString([]byte("yesterday|abc"))},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTaskCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
