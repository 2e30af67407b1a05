// Package protocol описывает JSON-сообщения между сервером, воркерами
// и панелями наблюдения.
//
// Каждое сообщение — JSON-объект с дискриминатором "type". Decode
// читает только дискриминатор, тело разбирает обработчик конкретного
// типа через Envelope.Bind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed — сообщение не разбирается или не хватает полей.
var ErrMalformed = errors.New("malformed envelope")

// Причины отказа в negative acknowledgment.
const (
	ReasonMissingParams = "missing_params"
	ReasonDBError       = "db_error"
	ReasonServerError   = "server_error"
	ReasonNoCandidates  = "all_used_or_unhealthy"
	ReasonNoJob         = "no_job"
	ReasonInvalidState  = "invalid_state"
)

// Envelope — входящее сообщение с ещё не разобранным телом.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode разбирает дискриминатор сообщения.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Bind разбирает тело сообщения в v.
func (e Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
