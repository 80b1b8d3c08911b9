package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/handler/dto"
	"github.com/contentgrid/billing-service-api/internal/ierr"
)

func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ErrorHandler")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		log.Debug("Request failed", zap.Error(err))

		status := http.StatusInternalServerError
		errResponse := dto.APIErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred.",
		}

		var ve validator.ValidationErrors

		if errors.As(err, &ve) {
			status = http.StatusBadRequest
			errResponse.Code = "VALIDATION_ERROR"
			errResponse.Message = "Input validation failed."
			errResponse.Details = buildValidationErrors(ve)
		} else {
			switch {
			case errors.Is(err, ierr.ErrValidation):
				status = http.StatusBadRequest
				errResponse.Code = "VALIDATION_ERROR"
				errResponse.Message = err.Error()
			case errors.Is(err, ierr.ErrMalformedCredential):
				status = http.StatusUnauthorized
				errResponse.Code = "MALFORMED_CREDENTIAL"
				errResponse.Message = "Missing or malformed API key."
			case errors.Is(err, ierr.ErrInvalidKey):
				// Deliberately the same message for unknown prefix and
				// wrong suffix: rejections must not act as a prefix oracle.
				status = http.StatusUnauthorized
				errResponse.Code = "INVALID_KEY"
				errResponse.Message = "Invalid API key."
			case errors.Is(err, ierr.ErrRevokedKey):
				status = http.StatusUnauthorized
				errResponse.Code = "KEY_REVOKED"
				errResponse.Message = "This API key has been revoked."
			case errors.Is(err, ierr.ErrQuotaExhausted):
				status = http.StatusTooManyRequests
				errResponse.Code = "QUOTA_EXHAUSTED"
				errResponse.Message = "Trial request quota exhausted."
			case errors.Is(err, ierr.ErrAccessDenied), errors.Is(err, ierr.ErrForbidden):
				status = http.StatusForbidden
				errResponse.Code = "ACCESS_DENIED"
				errResponse.Message = "Access denied."
			case errors.Is(err, ierr.ErrBackingUnavailable):
				status = http.StatusServiceUnavailable
				errResponse.Code = "SERVICE_UNAVAILABLE"
				errResponse.Message = "A backing service is temporarily unavailable."
			case errors.Is(err, ierr.ErrUnauthorized), errors.Is(err, ierr.ErrInvalidCredentials), errors.Is(err, ierr.ErrInvalidToken):
				status = http.StatusUnauthorized
				errResponse.Code = "UNAUTHENTICATED"
				errResponse.Message = "Authentication required or failed."
			case errors.Is(err, ierr.ErrNotFound):
				status = http.StatusNotFound
				errResponse.Code = "NOT_FOUND"
				errResponse.Message = "The requested resource was not found."
			case errors.Is(err, ierr.ErrConflict):
				status = http.StatusConflict
				errResponse.Code = "CONFLICT"
				errResponse.Message = err.Error()
			default:
				errResponse.Message = err.Error()
			}
		}

		c.AbortWithStatusJSON(status, errResponse)
	}
}

func buildValidationErrors(ve validator.ValidationErrors) []dto.FieldError {
	details := make([]dto.FieldError, len(ve))
	for i, fe := range ve {
		details[i] = dto.FieldError{
			Field:   fe.Field(),
			Message: getValidationErrorMsg(fe),
		}
	}
	return details
}

func getValidationErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "email":
		return fmt.Sprintf("Field '%s' must be a valid email address", fe.Field())
	case "gt":
		return fmt.Sprintf("Field '%s' must be greater than %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation on the '%s' tag", fe.Field(), fe.Tag())
	}
}
