package jobs

import (
	"bytes"
	"fmt"

	"upschedule/internal/model"
)

// ValidationError rejects an upload before any job exists.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

const (
	CodeEmptyFile         = "EMPTY_FILE"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeInvalidFileType   = "INVALID_FILE_TYPE"
	CodeInvalidPdfContent = "INVALID_PDF_CONTENT"
)

var pdfMagic = []byte("%PDF")

// Keywords the UP timetable exports carry in their heading, checked in
// this order.
var typeMarkers = []struct {
	marker []byte
	kind   model.PdfType
}{
	{[]byte("Semester Tests"), model.PdfTest},
	{[]byte("Exams"), model.PdfExam},
	{[]byte("Lectures"), model.PdfLecture},
}

// DetectPdfType looks for the timetable heading in the raw PDF bytes.
func DetectPdfType(data []byte) (model.PdfType, bool) {
	for _, m := range typeMarkers {
		if bytes.Contains(data, m.marker) {
			return m.kind, true
		}
	}
	return "", false
}

func validateUpload(up Upload, maxBytes int64) (model.PdfType, error) {
	if len(up.Data) == 0 {
		return "", &ValidationError{Code: CodeEmptyFile, Message: "no file uploaded"}
	}
	if int64(len(up.Data)) > maxBytes {
		return "", &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file is %d bytes; the limit is %d", len(up.Data), maxBytes),
		}
	}
	if !bytes.HasPrefix(up.Data, pdfMagic) {
		return "", &ValidationError{Code: CodeInvalidFileType, Message: "file is not a PDF"}
	}
	if up.PdfType != "" {
		return up.PdfType, nil
	}
	if kind, ok := DetectPdfType(up.Data); ok {
		return kind, nil
	}
	return "", &ValidationError{
		Code:    CodeInvalidPdfContent,
		Message: "could not tell whether this is a lecture, test or exam timetable; pass the type explicitly",
	}
}
