package dto

// CreateTaskRequest is the multipart form accompanying the uploaded payload
type CreateTaskRequest struct {
	TaskOwner  string `form:"task_owner" binding:"required"`
	TaskTypeID string `form:"task_type_id" binding:"required"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type ListTasksRequest struct {
	TaskOwner  string `form:"task_owner"`
	TaskTypeID string `form:"task_type_id"`
	Status     string `form:"status"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListTasksResponse struct {
	Tasks      []TaskDTO `json:"tasks"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type TaskDTO struct {
	TaskID        string `json:"task_id"`
	TaskOwner     string `json:"task_owner"`
	TaskTypeID    string `json:"task_type_id"`
	FileReference string `json:"file_reference"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}
