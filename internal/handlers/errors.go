package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-service/internal/apperr"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindAuth:          http.StatusUnauthorized,
	apperr.KindValidation:    http.StatusBadRequest,
	apperr.KindAuthorization: http.StatusForbidden,
	apperr.KindNotFound:      http.StatusNotFound,
	apperr.KindStateConflict: http.StatusConflict,
	apperr.KindUnavailable:   http.StatusServiceUnavailable,
	apperr.KindInternal:      http.StatusInternalServerError,
}

// writeError renders err with the status matching its kind. Causes stay in the log.
func writeError(c *gin.Context, err error) {
	e := apperr.From(err)
	status, ok := statusByKind[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Printf("request failed path=%s request_id=%s: %v", c.FullPath(), requestIDFromContext(c), err)
	}
	c.JSON(status, gin.H{"error": e.Message, "code": e.Code})
}
