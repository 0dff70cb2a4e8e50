// Package gcal pushes timetable events into Google Calendar, authenticating
// with the user's OAuth access token.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
	"upschedule/internal/model"
	"upschedule/internal/synth"
)

const DefaultAPIBase = "https://www.googleapis.com/calendar/v3/"

// ErrAuthExpired means Google rejected the access token.
var ErrAuthExpired = errors.New("Google authentication expired, please sign in again")

// APIError is a non-2xx answer other than 401.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google calendar api: %d %s", e.Status, e.Message)
}

// PartialSyncError reports a batch that stopped at its first failed event.
// Events before it stay in the calendar.
type PartialSyncError struct {
	Submitted int
	Total     int
	EventID   string
	Err       error
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("calendar sync stopped after %d of %d events (event %s): %v", e.Submitted, e.Total, e.EventID, e.Err)
}

func (e *PartialSyncError) Unwrap() error {
	return e.Err
}

// Calendar is the subset of a calendar list entry the API returns to clients.
type Calendar struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	Description     string `json:"description,omitempty"`
	Primary         bool   `json:"primary,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

// Service talks to one Calendar API endpoint. It holds no credentials; each
// call takes the caller's access token.
type Service struct {
	apiBase string
	loc     *time.Location
	palette synth.Palette
	// base is the transport under the oauth2 one.
	base *http.Client
}

func NewService(apiBase string, loc *time.Location, palette synth.Palette) *Service {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		// Relative method paths resolve against the base, so it must end in "/".
		apiBase: strings.TrimRight(apiBase, "/") + "/",
		loc:     loc,
		palette: palette,
		base:    &http.Client{Timeout: 30 * time.Second},
	}
}

// calendar builds an API client that sends token on every request.
func (s *Service) calendar(ctx context.Context, token string) (*calendar.Service, error) {
	hctx := context.WithValue(ctx, oauth2.HTTPClient, s.base)
	hc := oauth2.NewClient(hctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(s.apiBase))
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}
	return svc, nil
}

// ListCalendars returns the user's calendar list.
func (s *Service) ListCalendars(ctx context.Context, token string) ([]Calendar, error) {
	svc, err := s.calendar(ctx, token)
	if err != nil {
		return nil, err
	}
	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	out := make([]Calendar, 0, len(list.Items))
	for _, it := range list.Items {
		out = append(out, Calendar{
			ID:              it.Id,
			Summary:         it.Summary,
			Description:     it.Description,
			Primary:         it.Primary,
			BackgroundColor: it.BackgroundColor,
		})
	}
	return out, nil
}

// CreateCalendar creates a secondary calendar owned by the user.
func (s *Service) CreateCalendar(ctx context.Context, token, name, description string) (Calendar, error) {
	svc, err := s.calendar(ctx, token)
	if err != nil {
		return Calendar{}, err
	}
	created, err := svc.Calendars.Insert(&calendar.Calendar{Summary: name, Description: description}).Context(ctx).Do()
	if err != nil {
		return Calendar{}, apiError(err)
	}
	appLog.Info("calendar created", "calendar_id", created.Id)
	return Calendar{ID: created.Id, Summary: created.Summary, Description: created.Description}, nil
}

// BuildEvents converts events to API resources, in input order. Nothing is
// sent, so input errors such as missing semester bounds surface before any
// network call.
func (s *Service) BuildEvents(events []model.AbstractEvent, bounds *model.SemesterWindow) ([]*calendar.Event, error) {
	slots, err := synth.Plan(events, bounds, s.loc)
	if err != nil {
		return nil, err
	}
	zone := s.loc.String()
	out := make([]*calendar.Event, 0, len(slots))
	for _, sl := range slots {
		ev := &calendar.Event{
			Summary:     sl.Event.Summary(),
			Location:    sl.Event.Venue,
			Description: sl.Event.Notes,
			ColorId:     s.palette.ColorID(sl.Event.Module, sl.Event.ColorID),
			Start:       &calendar.EventDateTime{DateTime: sl.Start.Format(time.RFC3339), TimeZone: zone},
			End:         &calendar.EventDateTime{DateTime: sl.End.Format(time.RFC3339), TimeZone: zone},
		}
		if sl.Rule != nil {
			ev.Recurrence = []string{"RRULE:" + sl.Rule.UTCString(s.loc)}
		}
		out = append(out, ev)
	}
	return out, nil
}

// AddEvents inserts events into calendarID one at a time and returns how
// many were submitted. It stops at the first failure with a
// *PartialSyncError and never retries.
func (s *Service) AddEvents(ctx context.Context, token, calendarID string, events []model.AbstractEvent, bounds *model.SemesterWindow) (int, error) {
	payloads, err := s.BuildEvents(events, bounds)
	if err != nil {
		return 0, err
	}
	svc, err := s.calendar(ctx, token)
	if err != nil {
		return 0, err
	}

	for i, p := range payloads {
		if _, err := svc.Events.Insert(calendarID, p).Context(ctx).Do(); err != nil {
			err = apiError(err)
			id := events[i].ID
			metrics.CalendarSyncEventsTotal.WithLabelValues("failed").Inc()
			appLog.Error("calendar sync stopped", err, "calendar_id", calendarID, "submitted", i, "total", len(payloads), "event_id", id)
			return i, &PartialSyncError{Submitted: i, Total: len(payloads), EventID: id, Err: err}
		}
		metrics.CalendarSyncEventsTotal.WithLabelValues("submitted").Inc()
	}
	appLog.Info("calendar sync done", "calendar_id", calendarID, "events", len(payloads))
	return len(payloads), nil
}

// apiError maps a client error onto ErrAuthExpired or *APIError.
func apiError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("google calendar request: %w", err)
	}
	if gerr.Code == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	msg := gerr.Message
	if msg == "" {
		msg = strings.TrimSpace(gerr.Body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}
	return &APIError{Status: gerr.Code, Message: msg}
}
