package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Deterministic(t *testing.T) {
	m := Message{
		TaskID:        "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		TaskOwner:     "alice",
		TaskTypeID:    "2",
		FileReference: "tasks/0f8fad5b-d9cb-469f-a165-70867728950e.zip",
	}

	first, err := Encode(m)
	require.NoError(t, err)
	second, err := Encode(m)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.JSONEq(t, `{
		"task_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"task_owner": "alice",
		"task_type_id": "2",
		"file_reference": "tasks/0f8fad5b-d9cb-469f-a165-70867728950e.zip"
	}`, string(first))

	decoded, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestEncode_RejectsIncompleteMessage(t *testing.T) {
	_, err := Encode(Message{TaskID: "1", TaskOwner: "alice", TaskTypeID: "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FileReference")
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      Message
		wantField string
		wantErr   bool
	}{
		{
			name: "well formed",
			body: `{"task_id":"1","task_owner":"alice","task_type_id":"2","file_reference":"a.zip"}`,
			want: Message{TaskID: "1", TaskOwner: "alice", TaskTypeID: "2", FileReference: "a.zip"},
		},
		{
			name: "legacy ftp_file_path",
			body: `{"task_id":"4431","task_owner":"2100000","task_type_id":"3","ftp_file_path":"/home/fedora/email.zip"}`,
			want: Message{TaskID: "4431", TaskOwner: "2100000", TaskTypeID: "3", FileReference: "/home/fedora/email.zip"},
		},
		{
			name: "extension fields ignored",
			body: `{"task_id":"1","task_owner":"alice","task_type_id":"2","file_reference":"a.zip","status":"new","random_string":"x"}`,
			want: Message{TaskID: "1", TaskOwner: "alice", TaskTypeID: "2", FileReference: "a.zip"},
		},
		{
			name:      "missing file reference",
			body:      `{"task_id":"1","task_owner":"alice","task_type_id":"2"}`,
			wantErr:   true,
			wantField: "file_reference",
		},
		{
			name:      "empty task id",
			body:      `{"task_id":"","task_owner":"alice","task_type_id":"2","file_reference":"a.zip"}`,
			wantErr:   true,
			wantField: "task_id",
		},
		{
			name:      "numeric task type",
			body:      `{"task_id":"1","task_owner":"alice","task_type_id":2,"file_reference":"a.zip"}`,
			wantErr:   true,
			wantField: "task_type_id",
		},
		{
			name:    "not json",
			body:    `task_id=1`,
			wantErr: true,
		},
		{
			name:    "json array",
			body:    `[{"task_id":"1"}]`,
			wantErr: true,
		},
		{
			name:    "truncated object",
			body:    `{"task_id":"1","task_owner":`,
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, decodeErr.Field)
			}
			assert.Equal(t, Message{}, got)
		})
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
