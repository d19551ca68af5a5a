package pegfilter

import (
	"io/ioutil"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(ioutil.Discard, nil))
}

func TestLoad_MissingFile(t *testing.T) {
	res := Load(testLogger(), "/nonexistent/path/filters.csv")
	assert.Empty(t, res.Filter)
	assert.Empty(t, res.Derived)
}

func TestLoad_FilterAndDerivedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filters.csv")
	content := "family_id,peg_name,define\n" +
		"5002,throughput,\n" +
		"5002,latency,\n" +
		"5003,attempt,\n" +
		",,success_rate = response/attempt*100\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	res := Load(testLogger(), path)
	assert.Len(t, res.Filter, 2)
	assert.Contains(t, res.Filter[5002], "throughput")
	assert.Contains(t, res.Filter[5002], "latency")
	assert.Contains(t, res.Filter[5003], "attempt")

	assert.Len(t, res.Derived, 1)
	assert.Equal(t, "success_rate", res.Derived[0].OutputPEG)
	assert.Equal(t, "response/attempt*100", res.Derived[0].Formula)
	_, hasResponse := res.Derived[0].Dependencies["response"]
	assert.True(t, hasResponse)
}

func TestLoad_MalformedRowsAreWarningsNotErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filters.csv")
	content := "family_id,peg_name,define\n" +
		"notanumber,throughput,\n" +
		"5002,,\n" +
		",,badformula_no_equals\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	res := Load(testLogger(), path)
	assert.Empty(t, res.Filter)
	assert.Empty(t, res.Derived)
}
