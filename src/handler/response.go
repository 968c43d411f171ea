package handler

import (
	"errors"
	"net/http"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StandardResponse is the envelope of every REST response.
type StandardResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// responseCodes maps domain error names to REST response codes. Unknown names get 1000.
var responseCodes = map[string]int{
	domain.ErrorCodeParameterInvalid.Name:     1001,
	domain.ErrorCodeResourceNotFound.Name:     1002,
	domain.ErrorCodeAuthPermissionDenied.Name: 1003,
	domain.ErrorCodeAuthNotAuthenticated.Name: 1004,
	domain.ErrorCodeInternalProcess.Name:      1005,
	domain.ErrorCodeRemoteProcessError.Name:   1006,
}

func respondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{
		Code:    0,
		Message: "OK",
		Data:    data,
	})
}

// respondWithError aborts the request with the REST form of err.
func respondWithError(c *gin.Context, err error) {
	domainErr := parseDomainError(err)

	message := domainErr.ClientMsg()
	if message == "" {
		message = err.Error()
	}

	response := StandardResponse{
		Code:    mapDomainErrorToCode(domainErr),
		Message: message,
	}
	if detail := domainErr.Detail(); detail != nil {
		response.Error = detail
	}

	status := domainErr.HTTPStatus()
	event := zerolog.Ctx(c.Request.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(c.Request.Context()).Error()
	}
	event.Str("function", "respondWithError").
		Int("error_code", response.Code).
		Err(err).
		Msg(response.Message)

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, response)
}

// parseDomainError returns the DomainError carried by err. Bundler errors that
// reach a REST handler unwrapped are classified here.
func parseDomainError(err error) domain.DomainError {
	var domainError domain.DomainError
	if errors.As(err, &domainError) {
		return domainError
	}

	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrUserOpNotFound):
		domainError = domain.NewError(domain.ErrorCodeResourceNotFound, err).(domain.DomainError)
	case errors.As(err, &validationErr):
		domainError = domain.NewError(domain.ErrorCodeParameterInvalid, err,
			domain.WithDetail(map[string]interface{}{"aaCode": validationErr.Code})).(domain.DomainError)
	case domain.IsInfraError(err):
		domainError = domain.NewError(domain.ErrorCodeRemoteProcessError, err).(domain.DomainError)
	}
	// The zero value reports an unknown internal error.
	return domainError
}

func mapDomainErrorToCode(domainErr domain.DomainError) int {
	if code, ok := responseCodes[domainErr.Name()]; ok {
		return code
	}
	return 1000
}
