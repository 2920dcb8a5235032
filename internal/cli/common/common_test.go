package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	got, err := ParseAssignments([]string{"TOKEN=abc", "URL=http://x?a=b", "EMPTY="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "abc", "URL": "http://x?a=b", "EMPTY": ""}, got)

	_, err = ParseAssignments([]string{"NOVALUE"})
	assert.Error(t, err)
	_, err = ParseAssignments([]string{"=value"})
	assert.Error(t, err)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcd...", TruncateString("abcdefghij", 7))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, []string{"ID", "State"}, [][]string{{"p1", "running"}})
	assert.Contains(t, buf.String(), "p1")
	assert.Contains(t, buf.String(), "running")
}
