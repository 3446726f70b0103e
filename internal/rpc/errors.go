package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"wiresync/internal/logs"
	"wiresync/internal/middleware"
	"wiresync/internal/models"
)

// StatusFor: HTTP-статус для машинного кода ошибки.
func StatusFor(code string) int {
	switch code {
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeAlreadyExists:
		return http.StatusConflict
	case models.CodeKeyDerivation:
		return http.StatusUnprocessableEntity
	case models.CodeAddressSpaceExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// writeError отображает ошибку сервиса в problem+json.
// Детали внутренних ошибок остаются в логе.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := models.CodeOf(err)
	status := StatusFor(code)
	detail := err.Error()
	if code == models.CodeInternal {
		logs.Logger.WithFields(logrus.Fields{
			"reqid": middleware.GetRequestID(r),
			"uri":   r.RequestURI,
		}).WithError(err).Error("rpc failed")
		detail = "internal error"
	}
	models.WriteProblem(w, status, code, detail, nil)
}

// RemoteError: ошибка, пришедшая с другой стороны RPC.
// errors.Is работает по sentinel из models.
type RemoteError struct {
	Status int
	Code   string
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (%d): %s", e.Code, e.Status, e.Detail)
}

func (e *RemoteError) Unwrap() error { return models.ErrorForCode(e.Code) }

// IsRemote сообщает, что ответ пришёл от сервера (а не упал транспорт).
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
