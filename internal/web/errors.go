package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"upschedule/internal/gcal"
	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/quota"
	"upschedule/internal/store"
	"upschedule/internal/synth"
)

const (
	codeQuotaExceeded   = "STORAGE_QUOTA_EXCEEDED"
	codeNotFound        = "NOT_FOUND"
	codeNotCompleted    = "JOB_NOT_COMPLETED"
	codeBadRequest      = "BAD_REQUEST"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeAuthExpired     = "GOOGLE_AUTH_EXPIRED"
	codeSyncPartial     = "CALENDAR_SYNC_PARTIAL"
	codeCalendarAPI     = "CALENDAR_API_ERROR"
	codeInternal        = "INTERNAL_ERROR"
)

func writeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": code, "message": msg})
}

// writeFailure maps a service error onto a status code and body.
func writeFailure(c *gin.Context, err error) {
	var (
		exceeded *quota.ExceededError
		invalid  *jobs.ValidationError
		missing  *synth.MissingSemesterError
		partial  *gcal.PartialSyncError
		apiErr   *gcal.APIError
	)
	switch {
	case errors.As(err, &exceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   codeQuotaExceeded,
			"message": "Upload would exceed your storage quota",
			"details": exceeded,
		})
	case errors.As(err, &invalid):
		writeError(c, http.StatusBadRequest, invalid.Code, invalid.Message)
	case errors.As(err, &missing):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   synth.CodeMissingSemester,
			"message": missing.Error(),
			"eventId": missing.EventID,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, codeNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotCompleted):
		writeError(c, http.StatusConflict, codeNotCompleted, err.Error())
	case errors.Is(err, gcal.ErrAuthExpired):
		body := gin.H{"error": codeAuthExpired, "message": gcal.ErrAuthExpired.Error()}
		if errors.As(err, &partial) {
			body["submitted"] = partial.Submitted
			body["total"] = partial.Total
		}
		c.JSON(http.StatusUnauthorized, body)
	case errors.As(err, &partial):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     codeSyncPartial,
			"message":   partial.Error(),
			"submitted": partial.Submitted,
			"total":     partial.Total,
			"eventId":   partial.EventID,
		})
	case errors.As(err, &apiErr):
		writeError(c, http.StatusBadGateway, codeCalendarAPI, apiErr.Message)
	default:
		appLog.Error("request failed", err, "path", c.FullPath())
		writeError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
