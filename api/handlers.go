package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/storage"
	"github.com/papercomputeco/minesafe/pkg/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ChatHealthResponse is the body of GET /api/chat/health.
type ChatHealthResponse struct {
	Available bool   `json:"available"`
	Model     string `json:"model"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// CreateSessionRequest is the body of POST /api/chat/sessions.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// UpdateSessionRequest is the body of PUT /api/chat/sessions/:id. A title
// without a description also replaces the description.
type UpdateSessionRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return ok(c, HealthResponse{Status: "ok", Version: utils.Version})
}

// handleChatHealth makes one short round trip to the upstream model.
func (s *Server) handleChatHealth(c *fiber.Ctx) error {
	start := time.Now()
	err := s.upstream.CheckConnection(c.Context())

	resp := ChatHealthResponse{
		Available: err == nil,
		Model:     s.upstream.Model(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return ok(c, resp)
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	session := &storage.Session{
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Model:       s.upstream.Model(),
	}
	if session.Title == "" {
		session.Title = storage.DefaultSessionTitle
	}
	if session.Description == "" {
		session.Description = session.Title
	}

	if err := s.driver.CreateSession(c.Context(), session); err != nil {
		return s.storageError(c, err, "failed to create session")
	}

	c.Status(fiber.StatusCreated)
	return ok(c, session)
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	page, pageSize, err := pagination(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	status := storage.SessionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return badRequest(c, storage.ErrInvalidStatus.Error())
	}
	order, err := sortOrder(c, storage.OrderDesc)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Context()
	sessions, err := s.driver.ListSessions(ctx, storage.ListOptions{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
		Order:  order,
		Status: status,
	})
	if err != nil {
		return s.storageError(c, err, "failed to list sessions")
	}

	total, err := s.driver.CountSessions(ctx, status)
	if err != nil {
		return s.storageError(c, err, "failed to count sessions")
	}

	return ok(c, newPage(sessions, page, pageSize, total))
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	session, err := s.driver.GetSession(c.Context(), id)
	if err != nil {
		return s.storageError(c, err, "failed to get session")
	}

	return ok(c, session)
}

func (s *Server) handleUpdateSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req UpdateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	update := storage.SessionUpdate{Description: req.Description}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return badRequest(c, "title must not be empty")
		}
		update.Title = &title
		if update.Description == nil {
			update.Description = &title
		}
	}
	if req.Status != nil {
		status := storage.SessionStatus(*req.Status)
		update.Status = &status
	}

	session, err := s.driver.UpdateSession(c.Context(), id, update)
	if err != nil {
		return s.storageError(c, err, "failed to update session")
	}

	return ok(c, session)
}

func (s *Server) handleArchiveSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	status := storage.SessionArchived
	session, err := s.driver.UpdateSession(c.Context(), id, storage.SessionUpdate{Status: &status})
	if err != nil {
		return s.storageError(c, err, "failed to archive session")
	}

	return ok(c, session)
}

func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.driver.DeleteSession(c.Context(), id); err != nil {
		return s.storageError(c, err, "failed to delete session")
	}

	return ok(c, nil)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, pageSize, err := pagination(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	order, err := sortOrder(c, storage.OrderAsc)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Context()
	session, err := s.driver.GetSession(ctx, id)
	if err != nil {
		return s.storageError(c, err, "failed to get session")
	}

	messages, err := s.driver.ListMessages(ctx, id, storage.ListOptions{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
		Order:  order,
	})
	if err != nil {
		return s.storageError(c, err, "failed to list messages")
	}

	return ok(c, newPage(messages, page, pageSize, session.MessageCount))
}

func (s *Server) handleClearMessages(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := s.driver.ClearMessages(c.Context(), id); err != nil {
		return s.storageError(c, err, "failed to clear messages")
	}

	return ok(c, nil)
}

func sessionID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "id must be a session UUID")
	}
	return id, nil
}

// pagination reads the 1-based page and pageSize query parameters.
func pagination(c *fiber.Ctx) (int, int, error) {
	page, pageSize := 1, defaultPageSize

	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fiber.NewError(fiber.StatusBadRequest, "page must be a positive integer")
		}
		page = n
	}

	if v := c.Query("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			return 0, 0, fiber.NewError(fiber.StatusBadRequest, "pageSize must be between 1 and 100")
		}
		pageSize = n
	}

	return page, pageSize, nil
}

func sortOrder(c *fiber.Ctx, def storage.Order) (storage.Order, error) {
	switch order := storage.Order(c.Query("order")); order {
	case "":
		return def, nil
	case storage.OrderAsc, storage.OrderDesc:
		return order, nil
	default:
		return "", fiber.NewError(fiber.StatusBadRequest, "order must be asc or desc")
	}
}
