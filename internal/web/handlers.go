package web

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"upschedule/internal/ics"
	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/model"
	"upschedule/internal/semester"
)

const (
	codeInvalidPdfType   = "INVALID_PDF_TYPE"
	codeInvalidSemester  = "INVALID_SEMESTER_DATES"
	codeInvalidEvent     = "INVALID_EVENT"
	codeNoEvents         = "NO_EVENTS"
	codeMissingCalendar  = "MISSING_CALENDAR_NAME"
	codeInvalidDateRange = "INVALID_DATE_RANGE"
)

// eventsRequest names events either inline or by a completed job.
type eventsRequest struct {
	JobID         string                `json:"jobId"`
	Events        []model.AbstractEvent `json:"events"`
	Semester      string                `json:"semester"`
	SemesterStart string                `json:"semesterStart"`
	SemesterEnd   string                `json:"semesterEnd"`
}

type createCalendarRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// occurrencesResponse is the JSON shape for /api/jobs/:id/occurrences.
type occurrencesResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	TruncatedIDs    []string           `json:"truncatedIds,omitempty"`
	RangeStart      time.Time          `json:"rangeStart"`
	RangeEnd        time.Time          `json:"rangeEnd"`
	DisplayTimeZone string             `json:"displayTimeZone"`
}

func (s *Server) handleSemester(c *gin.Context) {
	w, ok := semester.Resolve(s.now().In(s.loc), s.deps.Semesters)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"semester": nil, "configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"semester": w, "configured": true})
}

func (s *Server) handleStorage(c *gin.Context) {
	id := owner(c)
	if id == "" {
		writeError(c, http.StatusUnauthorized, codeUnauthenticated, ownerHeader+" header is required")
		return
	}
	usage, err := s.deps.Ledger.Usage(c.Request.Context(), id)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleUpload accepts multipart field "file" plus optional "type",
// "semester", "semesterStart" and "semesterEnd".
func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, jobs.CodeEmptyFile, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.Upload.MaxBytes+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeBadRequest, "failed to read file")
		return
	}

	up := jobs.Upload{Data: data, Filename: header.Filename, OwnerID: owner(c)}
	if t := c.PostForm("type"); t != "" {
		pt, err := model.ParsePdfType(t)
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidPdfType, err.Error())
			return
		}
		up.PdfType = pt
	}
	up.Semester, err = s.parseWindow(c.PostForm("semester"), c.PostForm("semesterStart"), c.PostForm("semesterEnd"))
	if err != nil {
		writeFailure(c, err)
		return
	}

	appLog.Info("upload received", "filename", header.Filename, "bytes", len(data), "owner", up.OwnerID)
	job, err := s.deps.Jobs.Submit(c.Request.Context(), up)
	if err != nil {
		writeFailure(c, err)
		return
	}
	status := http.StatusOK
	if job.Status == model.JobPending {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

func (s *Server) handleJob(c *gin.Context) {
	job, err := s.deps.Jobs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobICS(c *gin.Context) {
	bounds, err := s.parseWindow(c.Query("semester"), c.Query("semesterStart"), c.Query("semesterEnd"))
	if err != nil {
		writeFailure(c, err)
		return
	}
	id := c.Param("id")
	doc, err := s.deps.Jobs.ICS(c.Request.Context(), id, bounds)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeCalendar(c, "timetable-"+id+".ics", doc)
}

// handleOccurrences lists concrete meetings between ?from= and ?to=
// (YYYY-MM-DD, to exclusive).
func (s *Server) handleOccurrences(c *gin.Context) {
	from, err := parseDay(c.Query("from"), s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidDateRange, err.Error())
		return
	}
	to, err := parseDay(c.Query("to"), s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidDateRange, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(c, http.StatusBadRequest, codeInvalidDateRange, "to is before from")
		return
	}

	res, err := s.deps.Jobs.Occurrences(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		writeFailure(c, err)
		return
	}
	resp := occurrencesResponse{
		Occurrences:     res.Occurrences,
		TruncatedIDs:    res.TruncatedEvents,
		RangeStart:      res.RangeStart,
		RangeEnd:        res.RangeEnd,
		DisplayTimeZone: s.loc.String(),
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerateICS(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	events, bounds, err := s.resolveEvents(c, req)
	if err != nil {
		writeFailure(c, err)
		return
	}
	doc, err := ics.Generate(events, bounds, s.now())
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeCalendar(c, "timetable.ics", doc)
}

func (s *Server) handleListCalendars(c *gin.Context) {
	token := googleToken(c)
	if token == "" {
		writeError(c, http.StatusUnauthorized, codeUnauthenticated, "Google access token is required")
		return
	}
	cals, err := s.deps.Calendar.ListCalendars(c.Request.Context(), token)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": cals})
}

func (s *Server) handleCreateCalendar(c *gin.Context) {
	token := googleToken(c)
	if token == "" {
		writeError(c, http.StatusUnauthorized, codeUnauthenticated, "Google access token is required")
		return
	}
	var req createCalendarRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		writeError(c, http.StatusBadRequest, codeMissingCalendar, "name is required")
		return
	}
	cal, err := s.deps.Calendar.CreateCalendar(c.Request.Context(), token, req.Name, req.Description)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, cal)
}

func (s *Server) handleAddEvents(c *gin.Context) {
	token := googleToken(c)
	if token == "" {
		writeError(c, http.StatusUnauthorized, codeUnauthenticated, "Google access token is required")
		return
	}
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	events, bounds, err := s.resolveEvents(c, req)
	if err != nil {
		writeFailure(c, err)
		return
	}

	n, err := s.deps.Calendar.AddEvents(c.Request.Context(), token, c.Param("id"), events, bounds)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": n, "total": len(events)})
}

// resolveEvents loads the events a request refers to. Explicit semester
// dates override the job's semester.
func (s *Server) resolveEvents(c *gin.Context, req eventsRequest) ([]model.AbstractEvent, *model.SemesterWindow, error) {
	bounds, err := s.parseWindow(req.Semester, req.SemesterStart, req.SemesterEnd)
	if err != nil {
		return nil, nil, err
	}

	events := req.Events
	if req.JobID != "" && len(events) == 0 {
		result, sem, err := s.deps.Jobs.Result(c.Request.Context(), req.JobID)
		if err != nil {
			return nil, nil, err
		}
		events = result
		if bounds == nil {
			bounds = sem
		}
	}

	if len(events) == 0 {
		return nil, nil, &jobs.ValidationError{Code: codeNoEvents, Message: "no events to export"}
	}
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, nil, &jobs.ValidationError{Code: codeInvalidEvent, Message: fmt.Sprintf("event %d: %v", i, err)}
		}
	}
	return events, bounds, nil
}

// parseWindow builds a semester override from YYYY-MM-DD dates, or from the
// configured term called name when no dates are given. No name and no dates
// means no override.
func (s *Server) parseWindow(name, start, end string) (*model.SemesterWindow, error) {
	if start == "" && end == "" {
		if name == "" {
			return nil, nil
		}
		w := s.deps.Semesters.Window(name)
		if w == nil {
			return nil, &jobs.ValidationError{Code: codeInvalidSemester, Message: fmt.Sprintf("semester %q is not configured; give semesterStart and semesterEnd", name)}
		}
		cp := *w
		return &cp, nil
	}
	if start == "" || end == "" {
		return nil, &jobs.ValidationError{Code: codeInvalidSemester, Message: "semesterStart and semesterEnd must be given together"}
	}
	from, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return nil, &jobs.ValidationError{Code: codeInvalidSemester, Message: fmt.Sprintf("semesterStart %q is not YYYY-MM-DD", start)}
	}
	to, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return nil, &jobs.ValidationError{Code: codeInvalidSemester, Message: fmt.Sprintf("semesterEnd %q is not YYYY-MM-DD", end)}
	}
	if to.Before(from) {
		return nil, &jobs.ValidationError{Code: codeInvalidSemester, Message: "semesterEnd is before semesterStart"}
	}
	return &model.SemesterWindow{Name: name, Start: from, End: to}, nil
}

func parseDay(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not YYYY-MM-DD", v)
	}
	return t, nil
}

func writeCalendar(c *gin.Context, filename, doc string) {
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(doc))
}
