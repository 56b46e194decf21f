package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/crmsync/batch-engine/internal/domain"
)

type ConflictService interface {
	List(ctx context.Context, batchID string, unresolvedOnly bool) ([]domain.ConflictRecord, error)
	Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error)
	Resolve(ctx context.Context, conflictID string, resolution domain.Resolution, mergedData map[string]any) (*domain.ConflictRecord, error)
}

type ConflictHandler struct {
	service ConflictService
}

func NewConflictHandler(service ConflictService) (*ConflictHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("conflict service is required")
	}
	return &ConflictHandler{service: service}, nil
}

func RegisterConflictRoutes(router fiber.Router, service ConflictService) error {
	h, err := NewConflictHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/batches/:batchId/conflicts", h.ListConflicts)
	v1.Get("/conflicts/:conflictId", h.GetConflict)
	v1.Post("/conflicts/:conflictId/resolve", h.ResolveConflict)

	return nil
}

type resolveConflictRequest struct {
	Resolution string         `json:"resolution"`
	MergedData map[string]any `json:"mergedData,omitempty"`
}

type fieldConflictResponse struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"localValue"`
	RemoteValue any    `json:"remoteValue"`
}

type conflictResponse struct {
	ID             string                  `json:"id"`
	BatchID        string                  `json:"batchId"`
	RecordID       string                  `json:"recordId"`
	RecordType     string                  `json:"recordType"`
	Severity       string                  `json:"severity"`
	Description    string                  `json:"description,omitempty"`
	LocalSnapshot  map[string]any          `json:"localSnapshot,omitempty"`
	RemoteSnapshot map[string]any          `json:"remoteSnapshot,omitempty"`
	FieldConflicts []fieldConflictResponse `json:"fieldConflicts"`
	Resolution     string                  `json:"resolution"`
	MergedData     map[string]any          `json:"mergedData,omitempty"`
	ResolvedAt     *time.Time              `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

func (h *ConflictHandler) ListConflicts(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	unresolvedOnly := c.QueryBool("unresolved", false)

	conflicts, err := h.service.List(c.Context(), batchID, unresolvedOnly)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]conflictResponse, 0, len(conflicts))
	for i := range conflicts {
		items = append(items, toConflictResponse(&conflicts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":   batchID,
		"conflicts": items,
	})
}

func (h *ConflictHandler) GetConflict(c *fiber.Ctx) error {
	conflictID := strings.TrimSpace(c.Params("conflictId"))
	conflict, err := h.service.Get(c.Context(), conflictID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toConflictResponse(conflict))
}

func (h *ConflictHandler) ResolveConflict(c *fiber.Ctx) error {
	conflictID := strings.TrimSpace(c.Params("conflictId"))

	var req resolveConflictRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	resolution, err := domain.ParseResolutionFromString(req.Resolution)
	if err != nil {
		return toHTTPError(err)
	}

	resolved, err := h.service.Resolve(c.Context(), conflictID, resolution, req.MergedData)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toConflictResponse(resolved))
}

func toConflictResponse(conflict *domain.ConflictRecord) conflictResponse {
	if conflict == nil {
		return conflictResponse{}
	}

	fields := make([]fieldConflictResponse, 0, len(conflict.FieldConflicts))
	for _, fc := range conflict.FieldConflicts {
		fields = append(fields, fieldConflictResponse{
			Field:       fc.Field,
			LocalValue:  fc.LocalValue,
			RemoteValue: fc.RemoteValue,
		})
	}

	return conflictResponse{
		ID:             conflict.ID,
		BatchID:        conflict.BatchID,
		RecordID:       conflict.RecordID,
		RecordType:     conflict.RecordType,
		Severity:       conflict.Severity.String(),
		Description:    conflict.Description,
		LocalSnapshot:  conflict.LocalSnapshot,
		RemoteSnapshot: conflict.RemoteSnapshot,
		FieldConflicts: fields,
		Resolution:     conflict.Resolution.String(),
		MergedData:     conflict.MergedData,
		ResolvedAt:     conflict.ResolvedAt,
		CreatedAt:      conflict.CreatedAt,
	}
}
