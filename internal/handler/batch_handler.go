package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/service"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
)

type BatchService interface {
	CreateBatch(ctx context.Context, params service.CreateBatchParams) (*domain.BatchJob, *domain.SyncSession, error)
	GetBatch(ctx context.Context, batchID string) (*domain.BatchJob, error)
	ListRecords(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error)
	Cancel(ctx context.Context, batchID string) error
}

type FieldCatalog interface {
	ListUpdatableFields(recordType string) ([]domain.FieldDefinition, error)
}

type RecordSearcher interface {
	Select(ctx context.Context, recordType, query string, limit int) ([]domain.LocalRecord, error)
}

type BatchHandler struct {
	service  BatchService
	catalog  FieldCatalog
	searcher RecordSearcher
}

func NewBatchHandler(service BatchService, catalog FieldCatalog, searcher RecordSearcher) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("field catalog is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("record searcher is required")
	}
	return &BatchHandler{service: service, catalog: catalog, searcher: searcher}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService, catalog FieldCatalog, searcher RecordSearcher) error {
	h, err := NewBatchHandler(service, catalog, searcher)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches/:batchId", h.GetBatch)
	v1.Get("/batches/:batchId/records", h.ListBatchRecords)
	v1.Post("/batches/:batchId/cancel", h.CancelBatch)
	v1.Get("/catalog/:recordType/fields", h.ListFields)
	v1.Get("/records", h.SearchRecords)

	return nil
}

type createBatchRequest struct {
	RecordType string   `json:"recordType"`
	FieldName  string   `json:"fieldName"`
	Value      any      `json:"value"`
	RecordIDs  []string `json:"recordIds"`
	CreatedBy  string   `json:"createdBy"`
}

type batchCountsResponse struct {
	Total        int `json:"total"`
	AppliedLocal int `json:"appliedLocal"`
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	Conflicted   int `json:"conflicted"`
	Skipped      int `json:"skipped"`
}

type batchResponse struct {
	ID         string              `json:"id"`
	RecordType string              `json:"recordType"`
	FieldName  string              `json:"fieldName"`
	NewValue   any                 `json:"newValue"`
	Status     string              `json:"status"`
	Counts     batchCountsResponse `json:"counts"`
	SessionID  string              `json:"sessionId,omitempty"`
	CreatedBy  string              `json:"createdBy,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

type recordStatusResponse struct {
	RecordID      string  `json:"recordId"`
	RemoteID      string  `json:"remoteId,omitempty"`
	Position      int     `json:"position"`
	LocalStatus   string  `json:"localStatus"`
	SyncStatus    string  `json:"syncStatus"`
	PreviousValue any     `json:"previousValue,omitempty"`
	NewValue      any     `json:"newValue"`
	Error         *string `json:"error,omitempty"`
	FailureType   string  `json:"failureType,omitempty"`
	Attempts      int     `json:"attempts"`
}

type fieldResponse struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	ReadOnly   bool     `json:"readOnly"`
	EnumValues []string `json:"enumValues,omitempty"`
	Critical   bool     `json:"critical"`
}

type localRecordResponse struct {
	ID         string         `json:"id"`
	RemoteID   string         `json:"remoteId"`
	RecordType string         `json:"recordType"`
	Fields     map[string]any `json:"fields"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job, session, err := h.service.CreateBatch(c.Context(), service.CreateBatchParams{
		RecordType: strings.TrimSpace(req.RecordType),
		FieldName:  strings.TrimSpace(req.FieldName),
		Value:      req.Value,
		RecordIDs:  req.RecordIDs,
		CreatedBy:  strings.TrimSpace(req.CreatedBy),
	})
	if err != nil {
		return toHTTPError(err)
	}

	resp := toBatchResponse(job)
	if session != nil {
		resp.SessionID = session.ID
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	job, err := h.service.GetBatch(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(job))
}

func (h *BatchHandler) ListBatchRecords(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))

	var filter *domain.SyncStatus
	if raw := strings.TrimSpace(c.Query("syncStatus")); raw != "" {
		status, err := domain.ParseSyncStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		filter = &status
	}

	records, err := h.service.ListRecords(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]recordStatusResponse, 0, len(records))
	for i := range records {
		if filter != nil && records[i].SyncStatus != *filter {
			continue
		}
		items = append(items, toRecordStatusResponse(&records[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batchID,
		"records": items,
	})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	if err := h.service.Cancel(c.Context(), batchID); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batchID,
		"status":  domain.BatchStatusCancelled.String(),
	})
}

func (h *BatchHandler) ListFields(c *fiber.Ctx) error {
	recordType := strings.TrimSpace(c.Params("recordType"))
	fields, err := h.catalog.ListUpdatableFields(recordType)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]fieldResponse, 0, len(fields))
	for _, f := range fields {
		items = append(items, fieldResponse{
			Name:       f.Name,
			Type:       f.Type.String(),
			Required:   f.Required,
			ReadOnly:   f.ReadOnly,
			EnumValues: f.EnumValues,
			Critical:   f.Critical,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"recordType": recordType,
		"fields":     items,
	})
}

func (h *BatchHandler) SearchRecords(c *fiber.Ctx) error {
	recordType := strings.TrimSpace(c.Query("recordType"))
	if recordType == "" {
		return toHTTPError(fmt.Errorf("%w: recordType is required", domain.ErrValidation))
	}

	limit := c.QueryInt("limit", defaultSearchLimit)
	if limit < 1 || limit > maxSearchLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxSearchLimit))
	}

	records, err := h.searcher.Select(c.Context(), recordType, strings.TrimSpace(c.Query("q")), limit)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]localRecordResponse, 0, len(records))
	for _, r := range records {
		items = append(items, localRecordResponse{
			ID:         r.ID,
			RemoteID:   r.RemoteID,
			RecordType: r.RecordType,
			Fields:     r.Fields,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"recordType": recordType,
		"records":    items,
	})
}

func toBatchResponse(job *domain.BatchJob) batchResponse {
	if job == nil {
		return batchResponse{}
	}

	return batchResponse{
		ID:         job.ID,
		RecordType: job.RecordType,
		FieldName:  job.FieldName,
		NewValue:   job.NewValue.Interface(),
		Status:     job.Status.String(),
		Counts: batchCountsResponse{
			Total:        job.Counts.Total,
			AppliedLocal: job.Counts.AppliedLocal,
			Synced:       job.Counts.Synced,
			Failed:       job.Counts.Failed,
			Conflicted:   job.Counts.Conflicted,
			Skipped:      job.Counts.Skipped,
		},
		CreatedBy: job.CreatedBy,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

func toRecordStatusResponse(r *domain.RecordUpdateStatus) recordStatusResponse {
	resp := recordStatusResponse{
		RecordID:      r.RecordID,
		RemoteID:      r.RemoteID,
		Position:      r.Position,
		LocalStatus:   r.LocalStatus.String(),
		SyncStatus:    r.SyncStatus.String(),
		PreviousValue: r.PreviousValue,
		NewValue:      r.NewValue,
		Error:         r.ErrorMessage,
		Attempts:      r.AttemptCount,
	}
	if r.FailureType != nil {
		resp.FailureType = r.FailureType.String()
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionActive):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
