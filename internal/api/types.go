package api

import (
	"time"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

type PaymentResponse struct {
	Amount            string `json:"amount"`
	InstallmentNumber int    `json:"installment_number,omitempty"`
	TotalInstallments int    `json:"total_installments,omitempty"`
}

type RecordResponse struct {
	ID           string                `json:"id"`
	ProjectID    string                `json:"project_id"`
	Type         string                `json:"type"`
	Status       string                `json:"status"`
	ScheduledFor string                `json:"scheduled_for"`
	ExecutedAt   string                `json:"executed_at,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	ClaimedBy    string                `json:"claimed_by,omitempty"`
	Payment      *PaymentResponse      `json:"payment,omitempty"`
	Effects      *domain.EffectPayload `json:"effects,omitempty"`
	CreatedAt    string                `json:"created_at"`
	UpdatedAt    string                `json:"updated_at"`
}

type ListRecordsResponse struct {
	Records []RecordResponse `json:"records"`
	Total   int              `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toRecordResponse(rec domain.ExecutionRecord) RecordResponse {
	resp := RecordResponse{
		ID:           rec.ID.String(),
		ProjectID:    rec.ProjectID.String(),
		Type:         string(rec.Type),
		Status:       string(rec.Status),
		ScheduledFor: formatTime(rec.ScheduledFor),
		ErrorMessage: rec.ErrorMessage,
		ClaimedBy:    rec.ClaimedBy,
		Effects:      rec.Effects,
		CreatedAt:    formatTime(rec.CreatedAt),
		UpdatedAt:    formatTime(rec.UpdatedAt),
	}
	if rec.ExecutedAt != nil {
		resp.ExecutedAt = formatTime(*rec.ExecutedAt)
	}
	if rec.Payment != nil {
		resp.Payment = &PaymentResponse{
			Amount:            rec.Payment.Amount.StringFixed(2),
			InstallmentNumber: rec.Payment.InstallmentNumber,
			TotalInstallments: rec.Payment.TotalInstallments,
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
