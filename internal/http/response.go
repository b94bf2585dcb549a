package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/service"
	"batch-downloader/internal/storage"
)

// envelope wraps every JSON body returned by the API.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: message, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyURLs), errors.Is(err, domain.ErrInvalidStorageConfig), errors.Is(err, service.ErrInvalidUserInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, domain.ErrTaskNotReady), errors.Is(err, domain.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidRegistrationPassword):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrRegistrationDisabled):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrExportDisabled):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	respondError(c, status, err.Error())
}

type TaskResponse struct {
	TaskID     string         `json:"task_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Progress   float64        `json:"progress"`
	SizeBytes  int64          `json:"size_bytes"`
	Processing bool           `json:"processing"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	Items      []ItemResponse `json:"items,omitempty"`
}

type ItemResponse struct {
	URL       string  `json:"url"`
	Title     *string `json:"title"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Filename  *string `json:"filename"`
	SizeBytes *int64  `json:"size_bytes"`
	Error     *string `json:"error,omitempty"`
}

type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type StorageStatusResponse struct {
	TotalBytes   int64   `json:"total_bytes"`
	UsedBytes    int64   `json:"used_bytes"`
	FreeBytes    int64   `json:"free_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	FileCount    int     `json:"file_count"`
	TaskCount    int     `json:"task_count"`
}

type StorageConfigResponse struct {
	MaxBytes        int64  `json:"max_bytes"`
	AutoCleanup     bool   `json:"auto_cleanup"`
	AutoCleanupDays int    `json:"auto_cleanup_days"`
	UpdatedAt       string `json:"updated_at"`
}

type StorageObjectResponse struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

func taskToResponse(task domain.BatchTask, processing bool) TaskResponse {
	resp := TaskResponse{
		TaskID:     task.ID,
		Name:       task.Name,
		Status:     string(task.Status),
		Total:      task.Total,
		Completed:  task.Completed,
		Failed:     task.Failed,
		Progress:   task.Progress(),
		SizeBytes:  task.SizeBytes,
		Processing: processing,
		CreatedAt:  task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if len(task.Items) > 0 {
		resp.Items = make([]ItemResponse, 0, len(task.Items))
		for _, item := range task.Items {
			resp.Items = append(resp.Items, ItemResponse{
				URL:       item.URL,
				Title:     item.Title,
				Status:    string(item.Status),
				Progress:  item.Progress,
				Filename:  item.Filename,
				SizeBytes: item.SizeBytes,
				Error:     item.Error,
			})
		}
	}
	return resp
}

func storageConfigToResponse(cfg domain.StorageConfig) StorageConfigResponse {
	return StorageConfigResponse{
		MaxBytes:        cfg.MaxBytes,
		AutoCleanup:     cfg.AutoCleanup,
		AutoCleanupDays: cfg.AutoCleanupDays,
		UpdatedAt:       cfg.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil {
		resp.LastModified = obj.LastModified.UTC().Format(time.RFC3339)
	}
	return resp
}
