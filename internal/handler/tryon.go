package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/provadorai/provador/internal/imageinput"
	"github.com/provadorai/provador/internal/tryon"
)

// Two base64 images of a few MB each, plus slack.
const maxTryonBody = 40 << 20

type TryonHandler struct {
	orchestrator *tryon.Orchestrator
	maxEdge      int
	logger       *slog.Logger
}

func NewTryonHandler(o *tryon.Orchestrator, maxEdge int, logger *slog.Logger) *TryonHandler {
	return &TryonHandler{orchestrator: o, maxEdge: maxEdge, logger: logger}
}

type tryonRequest struct {
	ClientImage   string `json:"clientImage"`
	ClothingImage string `json:"clothingImage"`
}

type tryonResponse struct {
	ResultImage      string `json:"resultImage"`
	Description      string `json:"description,omitempty"`
	IdempotencyKey   string `json:"idempotencyKey"`
	CreditsRemaining *int   `json:"creditsRemaining,omitempty"`
}

type tryonError struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Generate runs one try-on for the store in the path.
func (h *TryonHandler) Generate(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")

	var req tryonRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTryonBody)).Decode(&req); err != nil {
		h.writeFailure(w, &tryon.Error{Kind: tryon.KindInvalidInput, Message: "JSON inválido.", Err: err})
		return
	}

	subject, err := imageinput.Decode(req.ClientImage, h.maxEdge)
	if err != nil {
		h.writeFailure(w, inputError("Imagem do cliente inválida ou ausente.", err))
		return
	}
	garment, err := imageinput.Decode(req.ClothingImage, h.maxEdge)
	if err != nil {
		h.writeFailure(w, inputError("Imagem da roupa inválida ou ausente.", err))
		return
	}

	out, err := h.orchestrator.Generate(r.Context(), tryon.Request{
		StoreID:        storeID,
		Subject:        subject,
		Garment:        garment,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		var te *tryon.Error
		if !errors.As(err, &te) {
			te = &tryon.Error{Kind: tryon.KindExhaustedAllProviders, Message: msgInternal, Err: err}
		}
		h.writeFailure(w, te)
		return
	}

	w.Header().Set(IdempotencyKeyHeader, out.IdempotencyKey)
	writeJSON(w, http.StatusOK, tryonResponse{
		ResultImage:      imageinput.DataURL(out.Image),
		Description:      out.Description,
		IdempotencyKey:   out.IdempotencyKey,
		CreditsRemaining: out.CreditsRemaining,
	})
}

func inputError(msg string, err error) *tryon.Error {
	return &tryon.Error{Kind: tryon.KindInvalidInput, Message: msg, Err: err}
}

func (h *TryonHandler) writeFailure(w http.ResponseWriter, e *tryon.Error) {
	if e.Kind == tryon.KindInvalidInput {
		h.logger.Warn("try-on rejected", "error", e)
	}
	writeJSON(w, e.HTTPStatus(), tryonError{Error: e.Message, Code: string(e.Kind), Reason: string(e.Reason)})
}
