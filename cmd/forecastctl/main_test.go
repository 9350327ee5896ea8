package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demand-forecast/internal/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	verbose, gapPolicy, userID, inputFile = false, "", 0, ""

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeSales(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestForecastFromFile(t *testing.T) {
	path := writeSales(t, "date,product,quantity\n2024-03-01,Pen,2\n2024-03-01,pen,1\n")

	out, err := runCLI(t, "forecast", "--file", path)
	require.NoError(t, err)

	var resp models.ForecastResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, models.ForecastResult{"pen": models.InsufficientData()}, resp.Products)
}

func TestForecastFromFile_MalformedRow(t *testing.T) {
	path := writeSales(t, "date,product,quantity\n2024-03-01,pen,lots\n")

	out, err := runCLI(t, "forecast", "--file", path)
	require.Error(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp, 1)
	assert.Contains(t, resp["error"], "lots")
}

func TestSeriesFromFile(t *testing.T) {
	path := writeSales(t, "date,product,quantity\n2024-03-01,pen,2\n2024-03-03,pen,4\n")

	out, err := runCLI(t, "series", "--file", path)
	require.NoError(t, err)

	var summaries []models.SeriesSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].SpanDays)
	assert.Equal(t, 1, summaries[0].MissingDays)
}

func TestInputSelectionIsExclusive(t *testing.T) {
	_, err := runCLI(t, "forecast")
	assert.Error(t, err)

	_, err = runCLI(t, "forecast", "--user-id", "3", "--file", "sales.csv")
	assert.Error(t, err)
}
