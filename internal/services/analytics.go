package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"tempshare/internal/database"
	"tempshare/internal/models"
)

// XLSXContentType is the MIME type of generated workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	defaultReportDays = 7
	maxReportDays     = 365
)

// UsageReport is the admin view of activity over a window of days.
type UsageReport struct {
	Days      int                 `json:"days"`
	Stats     *models.UsageStats  `json:"stats"`
	ErrorRate float64             `json:"error_rate"`
	Daily     []models.DailyUsage `json:"daily"`
}

// AnalyticsService builds usage reports from the store.
type AnalyticsService struct {
	store database.Store
	now   func() time.Time
}

// NewAnalyticsService creates a new analytics service.
func NewAnalyticsService(store database.Store) *AnalyticsService {
	return &AnalyticsService{store: store, now: time.Now}
}

// Usage reports activity over the last days (UTC calendar days, today included).
// Out of range values fall back to a week.
func (s *AnalyticsService) Usage(ctx context.Context, days int) (*UsageReport, error) {
	if days < 1 || days > maxReportDays {
		days = defaultReportDays
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	stats, err := s.store.UsageStats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	daily, err := s.store.DailyUsage(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return &UsageReport{
		Days:      days,
		Stats:     stats,
		ErrorRate: stats.ErrorRate(),
		Daily:     fillDays(daily, since, days),
	}, nil
}

// fillDays returns one row per day starting at since, zero where the store had none.
func fillDays(rows []models.DailyUsage, since time.Time, days int) []models.DailyUsage {
	byDay := make(map[string]models.DailyUsage, len(rows))
	for _, r := range rows {
		byDay[r.Day] = r
	}

	out := make([]models.DailyUsage, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		row, ok := byDay[day]
		if !ok {
			row = models.DailyUsage{Day: day}
		}
		out = append(out, row)
	}
	return out
}

// UsageWorkbook renders a usage report as an XLSX file with Summary and Daily sheets.
func (s *AnalyticsService) UsageWorkbook(report *UsageReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	header, err := headerStyle(f)
	if err != nil {
		return nil, err
	}

	summary := "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}

	st := report.Stats
	rows := [][]any{
		{"Since", st.Since.UTC().Format("2006-01-02")},
		{"Days", report.Days},
		{"Files uploaded", st.TotalFiles},
		{"Active files", st.ActiveFiles},
		{"Successful downloads", st.SuccessfulDownloads},
		{"Failed downloads", st.FailedDownloads},
		{"Error rate (%)", report.ErrorRate},
		{"Total size", models.FormatSize(st.TotalSizeBytes)},
		{"Average size", models.FormatSize(int64(st.AvgSizeBytes))},
		{"Largest file", models.FormatSize(st.MaxSizeBytes)},
	}
	if err := writeTable(f, summary, []string{"Metric", "Value"}, rows, header); err != nil {
		return nil, err
	}

	exts := make([]string, 0, len(st.PopularExtensions))
	for ext := range st.PopularExtensions {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool {
		ci, cj := st.PopularExtensions[exts[i]], st.PopularExtensions[exts[j]]
		if ci != cj {
			return ci > cj
		}
		return exts[i] < exts[j]
	})
	extRows := make([][]any, 0, len(exts))
	for _, ext := range exts {
		extRows = append(extRows, []any{ext, st.PopularExtensions[ext]})
	}
	if _, err := f.NewSheet("Extensions"); err != nil {
		return nil, err
	}
	if err := writeTable(f, "Extensions", []string{"Extension", "Files"}, extRows, header); err != nil {
		return nil, err
	}

	dailyRows := make([][]any, 0, len(report.Daily))
	for _, d := range report.Daily {
		dailyRows = append(dailyRows, []any{d.Day, d.Uploads, d.Downloads})
	}
	if _, err := f.NewSheet("Daily"); err != nil {
		return nil, err
	}
	if err := writeTable(f, "Daily", []string{"Day", "Uploads", "Downloads"}, dailyRows, header); err != nil {
		return nil, err
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// AttemptsWorkbook renders the download history of one record.
func (s *AnalyticsService) AttemptsWorkbook(record *models.ShareRecord, attempts []*models.DownloadAttempt) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	header, err := headerStyle(f)
	if err != nil {
		return nil, err
	}

	sheet := "Attempts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, []any{
			a.At.UTC().Format("2006-01-02 15:04:05"),
			a.Outcome,
			a.Succeeded,
			a.ClientIP,
			a.ClientAgent,
		})
	}
	if err := writeTable(f, sheet, []string{"Time (UTC)", "Outcome", "Succeeded", "Client IP", "User Agent"}, rows, header); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(sheet, "G1", "File"); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(sheet, "H1", record.OriginalName); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
}

func writeTable(f *excelize.File, sheet string, columns []string, rows [][]any, style int) error {
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}

	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, col, col, 20); err != nil {
			return err
		}
	}
	return nil
}
