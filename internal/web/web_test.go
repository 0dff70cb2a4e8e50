package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upschedule/internal/config"
	"upschedule/internal/gcal"
	"upschedule/internal/jobs"
	"upschedule/internal/model"
	"upschedule/internal/parser"
	"upschedule/internal/quota"
	"upschedule/internal/semester"
	"upschedule/internal/storage"
	"upschedule/internal/store"
	"upschedule/internal/synth"
)

var (
	now = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	s1  = &model.SemesterWindow{Name: "S1", Start: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)}
	s2  = &model.SemesterWindow{Name: "S2", Start: time.Date(2025, 7, 21, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 10, 31, 0, 0, 0, 0, time.UTC)}

	pdf     = []byte("%PDF-1.4 Lectures timetable")
	lecture = model.AbstractEvent{
		ID: "lec-1", Module: "COS 132", Activity: "Lecture", Day: "Monday",
		StartTime: "08:30", EndTime: "09:20", Venue: "IT 4-1", IsRecurring: true, Semester: "S1",
	}
)

type harness struct {
	srv    *Server
	quotas *store.MemoryQuotas
	google *httptest.Server
}

func newHarness(t *testing.T, google http.HandlerFunc, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{quotas: store.NewMemoryQuotas(1000)}
	if google == nil {
		google = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }
	}
	h.google = httptest.NewServer(google)
	t.Cleanup(h.google.Close)

	sems := semester.Config{First: s1, Second: s2}
	ledger := quota.NewLedger(h.quotas)
	mgr := jobs.NewManager(jobs.Options{
		Jobs:  store.NewMemoryJobs(),
		Blobs: storage.NewMemoryStore(),
		Parser: parser.Func(func(context.Context, []byte, model.PdfType) ([]model.AbstractEvent, error) {
			return []model.AbstractEvent{lecture}, nil
		}),
		Ledger:    ledger,
		Semesters: sems,
		Location:  time.UTC,
		Now:       func() time.Time { return now },
	})
	h.srv = NewServer(cfg, Deps{
		Jobs:      mgr,
		Ledger:    ledger,
		Calendar:  gcal.NewService(h.google.URL, time.UTC, synth.NewPalette(cfg.ModuleColors)),
		Semesters: sems,
	})
	h.srv.now = func() time.Time { return now }
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "timetable.pdf")
	require.NoError(t, err)
	_, _ = fw.Write(data)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/semester", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/semester", nil)
	req.SetBasicAuth("admin", "secret")
	assert.Equal(t, http.StatusOK, h.do(req).Code)
}

func TestSemester(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/semester", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	sem := body["semester"].(map[string]any)
	assert.Equal(t, "S1", sem["name"])
	assert.Equal(t, "2025-02-10T00:00:00Z", sem["startDate"])
}

func TestUploadLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	req := uploadRequest(t, pdf, nil)
	req.Header.Set("X-User-ID", "u1")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decode(t, rec)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, "lecture", job["pdfType"])
	assert.Len(t, job["result"], 1)
	id := job["id"].(string)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/ics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Body.String(), "RRULE:FREQ=WEEKLY;BYDAY=MO;UNTIL=20250606\r\n")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/occurrences?from=2025-02-10&to=2025-02-24", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["occurrences"], 2)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/occurrences?from=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/storage", nil)
	req.Header.Set("X-User-ID", "u1")
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, len(pdf), decode(t, rec)["usedBytes"])
}

func TestJobNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rec)["error"])
}

func TestUploadQuotaExceeded(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.quotas.SetQuota("u1", 10)

	req := uploadRequest(t, pdf, nil)
	req.Header.Set("X-User-ID", "u1")
	rec := h.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "STORAGE_QUOTA_EXCEEDED", body["error"])
	details := body["details"].(map[string]any)
	assert.EqualValues(t, 0, details["currentUsage"])
	assert.EqualValues(t, 10, details["quota"])
	assert.EqualValues(t, len(pdf), details["fileSize"])
	assert.EqualValues(t, len(pdf)-10, details["wouldExceedBy"])
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(uploadRequest(t, []byte("GIF89a"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, jobs.CodeInvalidFileType, decode(t, rec)["error"])

	rec = h.do(uploadRequest(t, pdf, map[string]string{"type": "timetable"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidPdfType, decode(t, rec)["error"])

	rec = h.do(uploadRequest(t, pdf, map[string]string{"semesterStart": "2025-02-10"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidSemester, decode(t, rec)["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("x"))
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestGenerateICS(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{
		Events: []model.AbstractEvent{lecture}, SemesterStart: "2025-02-10", SemesterEnd: "2025-06-06",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "UID:lec-1@upschedulegen\r\n")

	rec = h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{Events: []model.AbstractEvent{lecture}}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "MISSING_SEMESTER_DATES", body["error"])
	assert.Equal(t, "lec-1", body["eventId"])

	rec = h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeNoEvents, decode(t, rec)["error"])

	bad := lecture
	bad.StartTime = "8h30"
	rec = h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{Events: []model.AbstractEvent{bad}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidEvent, decode(t, rec)["error"])
}

func TestGenerateICSWithSemesterName(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{
		Events: []model.AbstractEvent{lecture}, Semester: "s1",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "RRULE:FREQ=WEEKLY;BYDAY=MO;UNTIL=20250606")

	rec = h.do(jsonRequest(http.MethodPost, "/api/generate/ics", eventsRequest{
		Events: []model.AbstractEvent{lecture}, Semester: "S9",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, codeInvalidSemester, body["error"])
	assert.Contains(t, body["message"], `"S9"`)
}

func TestCalendarsRequireToken(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/calendars", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, decode(t, rec)["error"])
}

func TestListCalendarsAuthExpired(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec := h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeAuthExpired, decode(t, rec)["error"])
}

func TestCreateCalendar(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cal-1","summary":"UP"}`))
	}, nil)

	req := jsonRequest(http.MethodPost, "/api/calendars", createCalendarRequest{Name: "UP"})
	req.Header.Set("X-Google-Token", "tok")
	rec := h.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "cal-1", decode(t, rec)["id"])

	req = jsonRequest(http.MethodPost, "/api/calendars", createCalendarRequest{})
	req.Header.Set("X-Google-Token", "tok")
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestAddEventsPartialFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, nil)

	second := lecture
	second.ID = "lec-2"
	third := lecture
	third.ID = "lec-3"
	req := jsonRequest(http.MethodPost, "/api/calendars/primary/events", eventsRequest{
		Events:        []model.AbstractEvent{lecture, second, third},
		SemesterStart: "2025-02-10",
		SemesterEnd:   "2025-06-06",
	})
	req.Header.Set("Authorization", "Bearer tok")
	rec := h.do(req)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, codeSyncPartial, body["error"])
	assert.EqualValues(t, 1, body["submitted"])
	assert.EqualValues(t, 3, body["total"])
	assert.Equal(t, "lec-2", body["eventId"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestAddEventsFromJob(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}, nil)

	rec := h.do(uploadRequest(t, pdf, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode(t, rec)["id"].(string)

	req := jsonRequest(http.MethodPost, "/api/calendars/primary/events", eventsRequest{JobID: id})
	req.Header.Set("Authorization", "Bearer tok")
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["submitted"])
	assert.EqualValues(t, 1, calls.Load())

	req = jsonRequest(http.MethodPost, "/api/calendars/primary/events", eventsRequest{JobID: "missing"})
	req.Header.Set("Authorization", "Bearer tok")
	assert.Equal(t, http.StatusNotFound, h.do(req).Code)
}

func TestWriteFailureDefaultsTo500(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.srv.engine.GET("/boom", func(c *gin.Context) { writeFailure(c, errors.New("disk on fire")) })
	rec := h.do(httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, codeInternal, decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `upschedule_http_requests_total{method="GET",route="/health",status="200"}`)
}
