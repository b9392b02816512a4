package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
	"github.com/noah-isme/gema-exam-eval/internal/service"
	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
	liveBacklog     = 50
)

// EvaluationHandler exposes evaluation job endpoints including the live log stream.
type EvaluationHandler struct {
	service   service.EvaluationService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewEvaluationHandler builds an evaluation handler.
func NewEvaluationHandler(service service.EvaluationService, validator *validator.Validate, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register binds evaluation routes under the provided router group.
func (h *EvaluationHandler) Register(router fiber.Router) {
	authenticated := middleware.AuthOptions{Role: middleware.AuthRoleAny}
	router.Post("", middleware.WithAuth(h.create, authenticated))
	router.Use("/:id/live", h.upgrade)
	router.Get("/:id/live", websocket.New(h.stream))
	router.Get("/:id", h.get)
	router.Post("/:id/process", h.process)
	router.Post("/:id/cancel", middleware.WithAuth(h.cancel, authenticated))
	router.Get("/:id/results", h.results)
	router.Get("/:id/logs", h.logs)
	router.Get("/:id/summary", h.summary)
}

func (h *EvaluationHandler) create(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	var payload dto.EvaluationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	created, err := h.service.CreateJob(requestContext(c), userID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().Str("job_id", created.ID).Int("total_tests", created.TotalTests).Msg("evaluation job created")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "evaluation job created", created)
}

func (h *EvaluationHandler) get(c *fiber.Ctx) error {
	job, err := h.service.GetJob(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "evaluation job retrieved", job)
}

func (h *EvaluationHandler) process(c *fiber.Ctx) error {
	var payload dto.EvaluationProcessRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
		}
	}

	result, err := h.service.ProcessBatch(requestContext(c), c.Params("id"), payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "evaluation batch processed", result)
}

func (h *EvaluationHandler) cancel(c *fiber.Ctx) error {
	var payload dto.EvaluationCancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
		}
	}

	actor := service.EvaluationActor{
		UserID:     userIDStringFromContext(c),
		Privileged: middleware.IsPrivilegedRole(userRoleFromContext(c)),
	}
	job, err := h.service.CancelJob(requestContext(c), c.Params("id"), actor, payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "evaluation cancellation requested", job)
}

func (h *EvaluationHandler) results(c *fiber.Ctx) error {
	results, err := h.service.ListResults(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, results, "evaluation results retrieved", fiber.Map{"count": len(results)})
}

func (h *EvaluationHandler) logs(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit == 0 {
		limit = defaultLogLimit
	}
	limit = min(limit, maxLogLimit)

	entries, err := h.service.ListLogs(requestContext(c), c.Params("id"), limit)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, entries, "evaluation logs retrieved", fiber.Map{"limit": limit, "count": len(entries)})
}

func (h *EvaluationHandler) summary(c *fiber.Ctx) error {
	summary, err := h.service.GetSummary(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "evaluation summary retrieved", summary)
}

func (h *EvaluationHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	ctx := requestContext(c)
	if _, err := h.service.GetJob(ctx, c.Params("id")); err != nil {
		return h.handleError(c, err)
	}
	c.Locals("request_ctx", ctx)
	return c.Next()
}

func (h *EvaluationHandler) stream(conn *websocket.Conn) {
	jobID := strings.TrimSpace(conn.Params("id"))
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := h.logger.With().Str("job_id", jobID).Logger()

	entries, unsubscribe, err := h.service.Subscribe(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("live stream subscription rejected")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "job unavailable"))
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	observability.LiveStreamClients().Inc()
	defer observability.LiveStreamClients().Dec()
	logger.Info().Msg("live stream connected")
	defer logger.Info().Msg("live stream disconnected")

	// Clients only send close frames; reading detects the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var lastID uint
	backlog, err := h.service.ListLogs(ctx, jobID, liveBacklog)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load live stream backlog")
	}
	for _, entry := range backlog {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
		lastID = max(lastID, entry.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry.ID != 0 && entry.ID <= lastID {
				continue
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrEvaluationJobNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "evaluation job not found")
	case errors.Is(err, service.ErrEvaluationSummaryNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "evaluation summary not available")
	case errors.Is(err, service.ErrEvaluationJobForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "not allowed to modify this evaluation job")
	case errors.Is(err, service.ErrEvaluationJobBusy):
		return utils.SendError(c, fiber.StatusConflict, "evaluation job is being processed")
	case errors.Is(err, service.ErrEvaluationJobFinished):
		return utils.SendError(c, fiber.StatusConflict, "evaluation job already finished")
	case errors.Is(err, service.ErrInvalidEvaluationConfig):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(validationErrors))
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
