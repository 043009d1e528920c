package store

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:                     "0 B",
		999:                   "999 B",
		1000:                  "1 kB",
		1500:                  "1.5 kB",
		1_234_567:             "1.23 MB",
		10_000_000_000:        "10 GB",
		3_000_000_000_000_000: "3000 TB",
	}
	for size, expected := range cases {
		assert.Equal(t, expected, FormatSize(size), "size %d", size)
	}
}

func TestUsageString(t *testing.T) {
	usage := Usage{Used: 3_000_000, Quota: 10_000_000_000, Known: true}
	assert.Equal(t, "Usage: 3 MB, Quota: 10 GB, 0.03%", usage.String())
	assert.Equal(t, "Unknown", Usage{}.String())
	assert.Equal(t, "Remote document service", Usage{Description: "Remote document service"}.String())
}

func TestExportFileName(t *testing.T) {
	at := time.Date(2024, time.December, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "time-tracker-20241231.json", ExportFileName(at, false))
	assert.Equal(t, "time-tracker-20241231.json.zst", ExportFileName(at, true))
}

func TestExportImportCompressed(t *testing.T) {
	docs := []documents.Document{
		{ID: "LT-1", Rev: "1-a", Type: documents.TypeRecurringTimer, Name: "Water plants"},
		{ID: "LT-TS-1", Rev: "1-b", Type: documents.TypeRecurringTimestamp, Ref: documents.Ref("LT-1"), TS: 1},
	}
	for _, compress := range []bool{false, true} {
		var buffer bytes.Buffer
		require.NoError(t, WriteExport(&buffer, docs, compress))
		if !compress {
			assert.Contains(t, buffer.String(), "\n    {")
		}
		imported, err := ReadImport(&buffer)
		require.NoError(t, err)
		assert.Equal(t, docs, imported)
	}
}

func TestReadImportRejectsMalformedInput(t *testing.T) {
	_, err := ReadImport(strings.NewReader(`{"not":"an array"`))
	assert.ErrorIs(t, err, documents.ErrValidation)

	_, err = ReadImport(strings.NewReader(`[{"_id":"","type":"LT"}]`))
	assert.ErrorIs(t, err, documents.ErrValidation)

	_, err = ReadImport(strings.NewReader(`[{"_id":"LT-1","type":"LT"},{"_id":"LT-1","type":"LT"}]`))
	assert.ErrorIs(t, err, documents.ErrValidation)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(NewOperationError("store.get", "missing", documents.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, StatusFor(documents.ErrConflict))
	assert.True(t, errors.Is(ErrorForStatus(http.StatusUnauthorized), ErrAuthentication))
	assert.Equal(t, ErrorClassAuth, Classify(ErrorForStatus(http.StatusUnauthorized)))
	assert.Equal(t, ErrorClassTransient, Classify(ErrorForStatus(http.StatusBadGateway)))

	var opErr *OperationError
	require.True(t, errors.As(NewOperationError("store.put", "conflict", documents.ErrConflict), &opErr))
	assert.Equal(t, "store.put.conflict", opErr.Code())
}
