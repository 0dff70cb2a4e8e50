package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICSCommand(t *testing.T) {
	dir := t.TempDir()
	events := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(events, []byte(`[
		{"id":"lec-1","module":"COS 132","activity":"Lecture","day":"Monday","startTime":"08:30","endTime":"09:20","venue":"IT 4-1","isRecurring":true}
	]`), 0o600))

	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"ics", "-f", events, "--start", "2025-02-10", "--end", "2025-06-06"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, out.String(), "RRULE:FREQ=WEEKLY;BYDAY=MO;UNTIL=20250606")
}

func TestICSCommandNeedsBounds(t *testing.T) {
	events := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(events, []byte(`[
		{"id":"lec-1","module":"COS 132","activity":"Lecture","day":"Monday","startTime":"08:30","endTime":"09:20","venue":"IT 4-1","isRecurring":true}
	]`), 0o600))

	root := rootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"ics", "-f", events})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lec-1")
}

func TestICSCommandWritesFile(t *testing.T) {
	dir := t.TempDir()
	events := filepath.Join(dir, "events.json")
	out := filepath.Join(dir, "out.ics")
	require.NoError(t, os.WriteFile(events, []byte(`[
		{"id":"t-1","module":"STK 110","activity":"Semester Test 1","date":"2025-05-15","startTime":"14:00","endTime":"16:00","venue":"Hall A"}
	]`), 0o600))

	root := rootCommand()
	root.SetArgs([]string{"ics", "-f", events, "-o", out})
	require.NoError(t, root.Execute())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "UID:t-1@upschedulegen")
}
