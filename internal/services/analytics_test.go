package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"tempshare/internal/models"
)

func TestUsageReport(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()

	a := env.upload(t, "a.txt", "hello", time.Hour, 2)
	env.upload(t, "b.pdf", "%PDF-1.4 doc", time.Hour, 1)
	download(t, env.m, a.ShareToken)
	download(t, env.m, a.ShareToken)
	download(t, env.m, a.ShareToken) // limit reached

	analytics := NewAnalyticsService(env.db)
	analytics.now = env.clock.Now

	report, err := analytics.Usage(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Days)
	assert.Equal(t, 2, report.Stats.TotalFiles)
	assert.Equal(t, 2, report.Stats.ActiveFiles)
	assert.Equal(t, 2, report.Stats.SuccessfulDownloads)
	assert.Equal(t, 1, report.Stats.FailedDownloads)
	assert.InDelta(t, 33.33, report.ErrorRate, 0.01)
	assert.Equal(t, map[string]int{".txt": 1, ".pdf": 1}, report.Stats.PopularExtensions)

	require.Len(t, report.Daily, 3)
	assert.Equal(t, models.DailyUsage{Day: "2026-10-16"}, report.Daily[0])
	assert.Equal(t, models.DailyUsage{Day: "2026-10-17"}, report.Daily[1])
	assert.Equal(t, models.DailyUsage{Day: "2026-10-18", Uploads: 2, Downloads: 2}, report.Daily[2])
}

func TestUsageReportDaysFallback(t *testing.T) {
	env := newLifecycleEnv(t)
	analytics := NewAnalyticsService(env.db)
	analytics.now = env.clock.Now

	for _, days := range []int{0, -3, 366} {
		report, err := analytics.Usage(context.Background(), days)
		require.NoError(t, err)
		assert.Equal(t, 7, report.Days)
		assert.Len(t, report.Daily, 7)
	}
}

func TestUsageWorkbook(t *testing.T) {
	env := newLifecycleEnv(t)
	env.upload(t, "a.txt", "hello", time.Hour, 2)

	analytics := NewAnalyticsService(env.db)
	analytics.now = env.clock.Now
	report, err := analytics.Usage(context.Background(), 2)
	require.NoError(t, err)

	data, err := analytics.UsageWorkbook(report)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Summary", "Extensions", "Daily"}, f.GetSheetList())

	v, err := f.GetCellValue("Summary", "A3")
	require.NoError(t, err)
	assert.Equal(t, "Files uploaded", v)
	v, err = f.GetCellValue("Summary", "B3")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = f.GetCellValue("Extensions", "A2")
	require.NoError(t, err)
	assert.Equal(t, ".txt", v)

	v, err = f.GetCellValue("Daily", "A3")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", v)
}

func TestAttemptsWorkbook(t *testing.T) {
	record := &models.ShareRecord{OriginalName: "report.pdf"}
	at := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	attempts := []*models.DownloadAttempt{
		{At: at, Outcome: models.OutcomeOK, Succeeded: true, ClientIP: "10.0.0.9", ClientAgent: "curl/8"},
		{At: at.Add(time.Minute), Outcome: models.OutcomeExpired, ClientIP: "10.0.0.9"},
	}

	data, err := NewAnalyticsService(nil).AttemptsWorkbook(record, attempts)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Attempts")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Time (UTC)", rows[0][0])
	assert.Equal(t, "report.pdf", rows[0][7])
	assert.Equal(t, []string{"2026-10-18 09:30:00", "ok", "TRUE", "10.0.0.9", "curl/8"}, rows[1])
	assert.Equal(t, "expired", rows[2][1])
}
