package tryon

import (
	"fmt"
	"net/http"

	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/provider"
)

// ErrorKind is a terminal failure class surfaced to callers.
type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "INVALID_INPUT"
	KindBlocked               ErrorKind = "BLOCKED"
	KindRateLimited           ErrorKind = "RATE_LIMITED"
	KindQuotaExhausted        ErrorKind = "QUOTA_EXHAUSTED"
	KindExhaustedAllProviders ErrorKind = "EXHAUSTED_ALL_PROVIDERS"
	KindLedgerUnavailable     ErrorKind = "LEDGER_UNAVAILABLE"
	KindCanceled              ErrorKind = "CANCELED"
	KindDuplicate             ErrorKind = "DUPLICATE_REQUEST"
	KindStoreNotFound         ErrorKind = "STORE_NOT_FOUND"
)

// Error is a terminal generation failure. Message is short and user facing;
// Last and Err carry diagnostics for logs only.
type Error struct {
	Kind    ErrorKind
	Reason  model.BlockReason
	Message string
	Last    *provider.Failure
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Reason != "" {
		s += " (" + string(e.Reason) + ")"
	}
	if e.Last != nil {
		s += ": last failure " + e.Last.Error()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Last != nil {
		return e.Last
	}
	return nil
}

// HTTPStatus maps the failure onto the generate endpoint's status codes.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindBlocked, KindQuotaExhausted:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDuplicate:
		return http.StatusConflict
	case KindStoreNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

const (
	msgInvalidInput   = "Imagens do cliente e da roupa são obrigatórias e devem ser válidas."
	msgTrialExpired   = "Seu período de testes acabou. Escolha um plano para continuar."
	msgNoCredits      = "Você não tem créditos disponíveis. Compre créditos extras ou aguarde a renovação."
	msgRateLimited    = "Limite de requisições excedido. Tente novamente em alguns segundos."
	msgQuotaExhausted = "Quota da API de IA excedida. Avise o suporte."
	msgExhausted      = "As imagens não puderam ser processadas. Tente com imagens diferentes."
	msgLedger         = "Não foi possível verificar seus créditos. Tente novamente."
	msgCanceled       = "Solicitação cancelada."
	msgDuplicate      = "Esta solicitação já foi processada. Gere uma nova prova para continuar."
	msgStoreNotFound  = "Loja não encontrada."

	// DefaultCaption is used when the provider cannot describe the result.
	DefaultCaption = "As estampas e cores foram transferidas com precisão cromática, adaptando-se às dobras e luz do corpo."
)

func invalidInput(err error) *Error {
	return &Error{Kind: KindInvalidInput, Message: msgInvalidInput, Err: err}
}

func blocked(reason model.BlockReason) *Error {
	msg := msgNoCredits
	if reason == model.ReasonTrialExpired {
		msg = msgTrialExpired
	}
	return &Error{Kind: KindBlocked, Reason: reason, Message: msg}
}

func aborted(f *provider.Failure) *Error {
	if f.Kind == provider.KindRateLimited {
		return &Error{Kind: KindRateLimited, Message: msgRateLimited, Last: f}
	}
	return &Error{Kind: KindQuotaExhausted, Message: msgQuotaExhausted, Last: f}
}

func exhausted(last *provider.Failure) *Error {
	return &Error{Kind: KindExhaustedAllProviders, Message: msgExhausted, Last: last}
}

func ledgerUnavailable(op string, err error) *Error {
	return &Error{Kind: KindLedgerUnavailable, Reason: model.ReasonError, Message: msgLedger, Err: fmt.Errorf("%s: %w", op, err)}
}

func duplicate() *Error {
	return &Error{Kind: KindDuplicate, Message: msgDuplicate}
}

func storeNotFound() *Error {
	return &Error{Kind: KindStoreNotFound, Message: msgStoreNotFound}
}

func canceled(err error) *Error {
	return &Error{Kind: KindCanceled, Message: msgCanceled, Err: err}
}
