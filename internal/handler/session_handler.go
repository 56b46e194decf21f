package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/progress"
	"github.com/crmsync/batch-engine/internal/service"
)

type RecoveryService interface {
	Session(ctx context.Context, sessionID string) (*domain.SyncSession, error)
	FailureDetails(ctx context.Context, sessionID string) (*domain.SyncFailureDetails, error)
	Resume(ctx context.Context, sessionID string) (*domain.SyncSession, error)
	Retry(ctx context.Context, sessionID string) (*domain.SyncSession, error)
	SkipFailed(ctx context.Context, sessionID string) (domain.BatchCounts, error)
	Cancel(ctx context.Context, sessionID string) error
	Report(ctx context.Context, sessionID string) (*service.ErrorReport, error)
}

type SessionHandler struct {
	service RecoveryService
	hub     *progress.Hub
}

func NewSessionHandler(service RecoveryService, hub *progress.Hub) (*SessionHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("recovery service is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("progress hub is required")
	}
	return &SessionHandler{service: service, hub: hub}, nil
}

func RegisterSessionRoutes(router fiber.Router, service RecoveryService, hub *progress.Hub) error {
	h, err := NewSessionHandler(service, hub)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/sessions/:sessionId", h.GetSession)
	v1.Post("/sessions/:sessionId/resume", h.ResumeSession)
	v1.Post("/sessions/:sessionId/retry", h.RetrySession)
	v1.Post("/sessions/:sessionId/skip-failed", h.SkipFailed)
	v1.Post("/sessions/:sessionId/cancel", h.CancelSession)
	v1.Get("/sessions/:sessionId/error-report", h.ErrorReport)
	v1.Get("/sessions/:sessionId/progress", h.StreamProgress)

	return nil
}

type failureResponse struct {
	Reason                 string     `json:"reason"`
	Type                   string     `json:"type"`
	RecordsProcessed       int        `json:"recordsProcessed"`
	RecordsTotal           int        `json:"recordsTotal"`
	LastSuccessfulRecordID string     `json:"lastSuccessfulRecordId,omitempty"`
	LastSuccessfulPosition int        `json:"lastSuccessfulPosition"`
	CanResume              bool       `json:"canResume"`
	EstimatedRecoveryAt    *time.Time `json:"estimatedRecoveryAt,omitempty"`
	AffectedRecordTypes    []string   `json:"affectedRecordTypes,omitempty"`
}

type sessionResponse struct {
	ID                  string           `json:"id"`
	BatchID             string           `json:"batchId"`
	Type                string           `json:"type"`
	Status              string           `json:"status"`
	Progress            float64          `json:"progress"`
	RecordsProcessed    int              `json:"recordsProcessed"`
	RecordsTotal        int              `json:"recordsTotal"`
	CurrentStage        string           `json:"currentStage,omitempty"`
	StartedAt           time.Time        `json:"startedAt"`
	CompletedAt         *time.Time       `json:"completedAt,omitempty"`
	EstimatedCompletion *time.Time       `json:"estimatedCompletion,omitempty"`
	RetryAttempts       int              `json:"retryAttempts"`
	MaxRetryAttempts    int              `json:"maxRetryAttempts"`
	Failure             *failureResponse `json:"failure,omitempty"`
	AvailableActions    []string         `json:"availableActions,omitempty"`
}

func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	session, err := h.service.Session(c.Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toSessionResponse(session)
	if session.Status == domain.SessionStatusFailed {
		details, err := h.service.FailureDetails(c.Context(), sessionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return toHTTPError(err)
		}
		if details != nil {
			resp.Failure = toFailureResponse(details)
			for _, action := range service.AvailableActions(details) {
				resp.AvailableActions = append(resp.AvailableActions, action.String())
			}
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *SessionHandler) ResumeSession(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	session, err := h.service.Resume(c.Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toSessionResponse(session))
}

func (h *SessionHandler) RetrySession(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	session, err := h.service.Retry(c.Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toSessionResponse(session))
}

func (h *SessionHandler) SkipFailed(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	counts, err := h.service.SkipFailed(c.Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"sessionId": sessionID,
		"counts": batchCountsResponse{
			Total:        counts.Total,
			AppliedLocal: counts.AppliedLocal,
			Synced:       counts.Synced,
			Failed:       counts.Failed,
			Conflicted:   counts.Conflicted,
			Skipped:      counts.Skipped,
		},
	})
}

func (h *SessionHandler) CancelSession(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	if err := h.service.Cancel(c.Context(), sessionID); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"sessionId": sessionID,
		"status":    domain.SessionStatusCancelled.String(),
	})
}

func (h *SessionHandler) ErrorReport(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	report, err := h.service.Report(c.Context(), sessionID)
	if err != nil {
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="error-report-%s.json"`, sessionID))
	return c.Status(fiber.StatusOK).JSON(report)
}

// StreamProgress serves the session's progress events as server-sent
// events. The stream ends after the terminal event.
func (h *SessionHandler) StreamProgress(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Params("sessionId"))
	if _, err := h.service.Session(c.Context(), sessionID); err != nil {
		return toHTTPError(err)
	}

	events, cancel := h.hub.Subscribe(sessionID)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		for event := range events {
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}

func writeSSEEvent(w *bufio.Writer, event progress.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
	return err
}

func toSessionResponse(s *domain.SyncSession) sessionResponse {
	if s == nil {
		return sessionResponse{}
	}

	return sessionResponse{
		ID:                  s.ID,
		BatchID:             s.BatchID,
		Type:                s.Type.String(),
		Status:              s.Status.String(),
		Progress:            s.ProgressPercent(),
		RecordsProcessed:    s.RecordsProcessed,
		RecordsTotal:        s.RecordsTotal,
		CurrentStage:        s.CurrentStage,
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
		EstimatedCompletion: s.EstimatedCompletion,
		RetryAttempts:       s.RetryAttempts,
		MaxRetryAttempts:    s.MaxRetryAttempts,
	}
}

func toFailureResponse(d *domain.SyncFailureDetails) *failureResponse {
	return &failureResponse{
		Reason:                 d.Reason,
		Type:                   d.Type.String(),
		RecordsProcessed:       d.RecordsProcessed,
		RecordsTotal:           d.RecordsTotal,
		LastSuccessfulRecordID: d.LastSuccessfulRecordID,
		LastSuccessfulPosition: d.LastSuccessfulPosition,
		CanResume:              d.CanResume,
		EstimatedRecoveryAt:    d.EstimatedRecoveryAt,
		AffectedRecordTypes:    d.AffectedRecordTypes,
	}
}
