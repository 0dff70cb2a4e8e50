// Package parser talks to the external PDF-to-timetable service.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	appLog "upschedule/internal/log"
	"upschedule/internal/model"
)

// Parser extracts timetable events from PDF bytes.
type Parser interface {
	Parse(ctx context.Context, data []byte, pdfType model.PdfType) ([]model.AbstractEvent, error)
}

// Func adapts a function to Parser.
type Func func(ctx context.Context, data []byte, pdfType model.PdfType) ([]model.AbstractEvent, error)

func (f Func) Parse(ctx context.Context, data []byte, pdfType model.PdfType) ([]model.AbstractEvent, error) {
	return f(ctx, data, pdfType)
}

// ErrNoEvents means the service answered but none of its records survived
// normalization.
var ErrNoEvents = errors.New("parser returned no usable events")

// Client posts the PDF as multipart form data to {baseURL}/parse.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a client whose Parse calls are bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

type parseResponse struct {
	Events []map[string]any `json:"events"`
	Type   string           `json:"type"`
}

// Parse uploads data and normalizes the records the service returns.
// Records that cannot be normalized are logged and skipped.
func (c *Client) Parse(ctx context.Context, data []byte, pdfType model.PdfType) ([]model.AbstractEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := multipartBody(data, pdfType)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	appLog.Info("parser request start", "url", redactURL(c.baseURL), "bytes", len(data), "pdf_type", pdfType)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("parser timed out after %s", c.timeout)
		}
		return nil, fmt.Errorf("parser request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("parser read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parser returned %s: %s", resp.Status, snippet(payload))
	}

	raw, err := decodeRecords(payload)
	if err != nil {
		return nil, err
	}
	events := make([]model.AbstractEvent, 0, len(raw))
	for i, rec := range raw {
		ev, err := Normalize(rec, pdfType)
		if err != nil {
			appLog.Warn("parser record skipped", "index", i, "reason", err.Error())
			continue
		}
		events = append(events, ev)
	}
	if len(raw) > 0 && len(events) == 0 {
		return nil, ErrNoEvents
	}

	appLog.Info("parser request success",
		"events", len(events),
		"skipped", len(raw)-len(events),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return events, nil
}

// decodeRecords accepts either {"events": [...]} or a bare array.
func decodeRecords(payload []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []map[string]any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("parser response: %w", err)
		}
		return arr, nil
	}
	var pr parseResponse
	if err := json.Unmarshal(trimmed, &pr); err != nil {
		return nil, fmt.Errorf("parser response: %w", err)
	}
	return pr.Events, nil
}

func multipartBody(data []byte, pdfType model.PdfType) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "timetable.pdf")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if pdfType != "" {
		if err := w.WriteField("type", string(pdfType)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// redactURL keeps scheme and host only.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest
}
