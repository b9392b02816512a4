package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/service"
	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

// ReviewQueueHandler lets reviewers inspect and claim flagged questions.
type ReviewQueueHandler struct {
	queue  service.ReviewQueueReader
	logger zerolog.Logger
}

// NewReviewQueueHandler builds a review queue handler.
func NewReviewQueueHandler(queue service.ReviewQueueReader, logger zerolog.Logger) *ReviewQueueHandler {
	return &ReviewQueueHandler{
		queue:  queue,
		logger: logger.With().Str("component", "review_queue_handler").Logger(),
	}
}

// Register binds review queue routes.
func (h *ReviewQueueHandler) Register(router fiber.Router) {
	router.Get("", h.peek)
	router.Post("/claim", middleware.WithAuth(h.claim, middleware.AuthOptions{Role: middleware.AuthRoleReviewer}))
}

func (h *ReviewQueueHandler) peek(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit == 0 {
		limit = 20
	}
	limit = min(limit, 100)

	items, err := h.queue.Peek(requestContext(c), limit)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to read review queue")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
	return utils.OK(c, items, "review queue retrieved", fiber.Map{"limit": limit, "count": len(items)})
}

func (h *ReviewQueueHandler) claim(c *fiber.Ctx) error {
	item, err := h.queue.Claim(requestContext(c))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to claim review item")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
	if item == nil {
		return utils.SendError(c, fiber.StatusNotFound, "review queue is empty")
	}

	requestLogger(h.logger, c).Info().
		Str("job_id", item.JobID).
		Int("test_index", item.TestIndex).
		Str("reviewer", userIDStringFromContext(c)).
		Msg("review item claimed")
	return utils.SendSuccess(c, "review item claimed", item)
}
