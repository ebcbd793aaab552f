package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/ecoingest/pkg/ingest"
)

func TestParseAssignments(t *testing.T) {
	p, err := parseAssignments([]string{"tempf=72.5", "humidity=40", "tempf=73", "note="})
	require.NoError(t, err)
	assert.Equal(t, ingest.Payload{"tempf": "73", "humidity": "40", "note": ""}, p)

	_, err = parseAssignments([]string{"tempf"})
	require.Error(t, err)

	_, err = parseAssignments([]string{"=5"})
	require.Error(t, err)
}

func TestParseDay(t *testing.T) {
	now := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

	d, err := parseDay("", now)
	require.NoError(t, err)
	assert.Equal(t, now, d)

	d, err = parseDay("2024-04-30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), d)

	_, err = parseDay("30/04/2024", now)
	require.Error(t, err)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "ingest", "aggregate", "stations", "columns"} {
		assert.Contains(t, names, want)
	}
}
