package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/downloader"
	"batch-downloader/internal/metrics"
	"batch-downloader/internal/playlist"
	"batch-downloader/internal/repository"
	"batch-downloader/internal/service"
	"batch-downloader/internal/storage"
	"batch-downloader/internal/urllist"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxUploadBytes   = 8 << 20
)

// HandlerConfig carries the collaborators of the request layer. Expander and
// Exporter are optional.
type HandlerConfig struct {
	Tasks     service.TaskService
	Processor downloader.Processor
	Storage   service.StorageService
	Users     service.UserService
	Exporter  storage.Exporter
	Expander  *playlist.Expander
	Auth      AuthConfig
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	tasks     service.TaskService
	processor downloader.Processor
	storage   service.StorageService
	users     service.UserService
	exporter  storage.Exporter
	expander  *playlist.Expander
	auth      AuthConfig
	logger    *logrus.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Exporter == nil {
		cfg.Exporter = storage.Disabled{}
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	return &Handler{
		tasks:     cfg.Tasks,
		processor: cfg.Processor,
		storage:   cfg.Storage,
		users:     cfg.Users,
		exporter:  cfg.Exporter,
		expander:  cfg.Expander,
		auth:      cfg.Auth,
		logger:    cfg.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(), metrics.Middleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", authMiddleware(h.auth))
	{
		api.GET("/health", h.health)
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)

		api.POST("/download", h.downloadSingle)
		api.GET("/bilibili/:bvid", h.downloadBilibili)

		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.POST("/tasks/cleanup", h.cleanupTasks)
		api.GET("/tasks/:id", h.getTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.POST("/tasks/:id/start", h.startTask)
		api.POST("/tasks/:id/stop", h.stopTask)
		api.GET("/tasks/:id/download", h.downloadTask)
		api.POST("/tasks/:id/export", h.exportTask)
		api.GET("/tasks/:id/objects", h.listObjects)

		api.GET("/storage", h.storageStatus)
		api.PATCH("/storage", h.updateStorage)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"active_jobs": h.processor.ActiveJobs(),
	})
}

type singleDownloadRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) downloadSingle(c *gin.Context) {
	var req singleDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "url is required")
		return
	}
	rawURL := strings.TrimSpace(req.URL)
	if !urllist.IsValidURL(rawURL) {
		respondError(c, http.StatusBadRequest, "invalid url format")
		return
	}
	h.startSingle(c, rawURL, gin.H{})
}

func (h *Handler) downloadBilibili(c *gin.Context) {
	bvid := c.Param("bvid")
	if !isAlphanumeric(bvid) {
		respondError(c, http.StatusBadRequest, "invalid bvid")
		return
	}
	h.startSingle(c, "https://www.bilibili.com/video/"+bvid, gin.H{"bvid": bvid})
}

// startSingle starts a download outside any batch. Engine failures surface as
// 503 since nothing was stored.
func (h *Handler) startSingle(c *gin.Context, rawURL string, body gin.H) {
	h.logger.Infof("single download request for %s", rawURL)

	dl, err := h.processor.DownloadSingle(c.Request.Context(), rawURL)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			h.fail(c, err)
			return
		}
		h.logger.Errorf("single download failed: %v", err)
		respondError(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	body["message"] = "Download started"
	body["job_id"] = dl.JobID
	body["name"] = dl.Name
	respond(c, http.StatusOK, body)
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

type createTaskRequest struct {
	Name            string   `json:"name"`
	URLs            []string `json:"urls"`
	ExpandPlaylists bool     `json:"expand_playlists"`
}

// readCreateRequest accepts either a JSON body or a multipart form whose
// "file" part holds a txt, csv or json URL list.
func readCreateRequest(c *gin.Context) (createTaskRequest, error) {
	var req createTaskRequest
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, fmt.Errorf("decode body: %w", err)
		}
		return req, nil
	}

	header, err := c.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("read file field: %w", err)
	}
	f, err := header.Open()
	if err != nil {
		return req, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return req, fmt.Errorf("read upload: %w", err)
	}

	req.URLs = urllist.Parse(string(content), header.Filename)
	req.Name = c.PostForm("name")
	if req.Name == "" {
		req.Name = header.Filename
	}
	req.ExpandPlaylists, _ = strconv.ParseBool(c.PostForm("expand_playlists"))
	return req, nil
}

func (h *Handler) createTask(c *gin.Context) {
	req, err := readCreateRequest(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	urls := req.URLs
	if req.ExpandPlaylists && h.expander != nil {
		urls = h.expander.Expand(ctx, urls)
	}
	urls = urllist.Filter(urls)
	if len(urls) == 0 {
		h.fail(c, domain.ErrEmptyURLs)
		return
	}

	ok, err := h.storage.HasCapacity(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		h.fail(c, domain.ErrCapacityExceeded)
		return
	}

	task, err := h.tasks.CreateTask(ctx, req.Name, urls)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.WithField("task_id", task.ID).Infof("created batch task with %d urls", len(urls))

	if err := h.processor.Start(context.WithoutCancel(ctx), task.ID); err != nil {
		h.logger.WithField("task_id", task.ID).Warnf("start batch task: %v", err)
	}

	if fresh, err := h.tasks.GetTask(ctx, task.ID, false); err == nil {
		task = fresh
	}
	respond(c, http.StatusCreated, taskToResponse(*task, h.processor.IsProcessing(task.ID)))
}

func (h *Handler) listTasks(c *gin.Context) {
	status := domain.TaskStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		respondError(c, http.StatusBadRequest, "invalid status filter")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	tasks, total, err := h.tasks.ListTasks(c.Request.Context(), repository.TaskFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := TaskListResponse{
		Tasks:  make([]TaskResponse, len(tasks)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for i := range tasks {
		resp.Tasks[i] = taskToResponse(tasks[i], h.processor.IsProcessing(tasks[i].ID))
	}
	respond(c, http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, taskToResponse(*task, h.processor.IsProcessing(task.ID)))
}

func (h *Handler) startTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.processor.Start(context.WithoutCancel(c.Request.Context()), id); err != nil {
		h.fail(c, err)
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), id, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, taskToResponse(*task, h.processor.IsProcessing(id)))
}

func (h *Handler) stopTask(c *gin.Context) {
	id := c.Param("id")
	task, err := h.tasks.GetTask(c.Request.Context(), id, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.processor.Stop(id)
	respond(c, http.StatusOK, taskToResponse(*task, false))
}

func (h *Handler) downloadTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		h.fail(c, err)
		return
	}
	if task.Status != domain.TaskStatusCompleted && task.Status != domain.TaskStatusPartial {
		h.fail(c, domain.ErrTaskNotReady)
		return
	}

	logger := h.logger.WithField("task_id", task.ID)
	logger.Info("streaming task archive")

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, url.PathEscape(task.Name)))
	c.Status(http.StatusOK)
	if err := h.storage.WriteArchive(c.Request.Context(), task.ID, c.Writer); err != nil {
		// headers are gone, the client sees a truncated archive
		logger.Errorf("write archive: %v", err)
	}
}

func (h *Handler) exportTask(c *gin.Context) {
	if !h.exporter.Enabled() {
		h.fail(c, storage.ErrExportDisabled)
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		h.fail(c, err)
		return
	}
	if task.Status != domain.TaskStatusCompleted && task.Status != domain.TaskStatusPartial {
		h.fail(c, domain.ErrTaskNotReady)
		return
	}

	dir, err := h.storage.TaskDirectory(task.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	location, err := h.exporter.ExportDirectory(c.Request.Context(), task.ID, dir)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": task.ID, "location": location})
}

func (h *Handler) listObjects(c *gin.Context) {
	if !h.exporter.Enabled() {
		h.fail(c, storage.ErrExportDisabled)
		return
	}

	objects, err := h.exporter.ListObjects(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	respond(c, http.StatusOK, resp)
}

func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	keepFiles, err := strconv.ParseBool(c.DefaultQuery("keep_files", "false"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid flag keep_files")
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid flag delete_remote")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.tasks.GetTask(ctx, id, false); err != nil {
		h.fail(c, err)
		return
	}

	h.processor.Stop(id)

	var warnings []string
	if deleteRemote {
		if !h.exporter.Enabled() {
			h.fail(c, storage.ErrExportDisabled)
			return
		}
		remoteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := h.exporter.DeletePrefix(remoteCtx, id); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
	}

	var freed int64
	if !keepFiles {
		freed, err = h.storage.DeleteTaskFiles(id)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("delete local files: %v", err))
		}
	}

	recorded, err := h.tasks.DeleteTask(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if freed == 0 && !keepFiles {
		freed = recorded
	}

	resp := gin.H{"task_id": id, "deleted": true, "freed_bytes": freed}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	respond(c, http.StatusOK, resp)
}

type cleanupRequest struct {
	Before *time.Time          `json:"before"`
	Status []domain.TaskStatus `json:"status"`
}

func (h *Handler) cleanupTasks(c *gin.Context) {
	var req cleanupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	before := time.Now()
	if req.Before != nil {
		before = *req.Before
	}
	statuses := req.Status
	if len(statuses) == 0 {
		statuses = []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed}
	}
	for _, s := range statuses {
		if !s.IsValid() {
			respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid status %q", s))
			return
		}
	}

	result, err := service.RemoveTasksBefore(c.Request.Context(), h.tasks, h.storage, before, statuses...)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Infof("cleaned up %d tasks, freed %s", result.DeletedCount, domain.FormatBytes(result.FreedBytes))
	respond(c, http.StatusOK, gin.H{
		"deleted_count": result.DeletedCount,
		"freed_bytes":   result.FreedBytes,
	})
}

func (h *Handler) storageStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := h.storage.Status(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.tasks.CountTasks(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond(c, http.StatusOK, StorageStatusResponse{
		TotalBytes:   status.TotalBytes,
		UsedBytes:    status.UsedBytes,
		FreeBytes:    status.FreeBytes,
		UsagePercent: status.UsagePercent,
		FileCount:    status.FileCount,
		TaskCount:    count,
	})
}

type updateStorageRequest struct {
	MaxBytes        *int64 `json:"max_bytes"`
	AutoCleanup     *bool  `json:"auto_cleanup"`
	AutoCleanupDays *int   `json:"auto_cleanup_days"`
}

func (h *Handler) updateStorage(c *gin.Context) {
	var req updateStorageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.storage.UpdateConfig(c.Request.Context(), domain.StorageConfigUpdate{
		MaxBytes:        req.MaxBytes,
		AutoCleanup:     req.AutoCleanup,
		AutoCleanupDays: req.AutoCleanupDays,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, storageConfigToResponse(cfg))
}
