// Package report exports sync results as Excel workbooks.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tealeg/xlsx/v3"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// Sheet names.
const (
	SummarySheet = "Summary"
	DetailsSheet = "Details"
)

// Build renders result into a workbook with a summary and a per-item sheet.
func Build(result crawler.CrawlResult) (*xlsx.File, error) {
	file := xlsx.NewFile()

	summary, err := file.AddSheet(SummarySheet)
	if err != nil {
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}
	addTextRow(summary, "Run ID", result.RunID)
	addTimeRow(summary, "Started", result.Started)
	addTimeRow(summary, "Finished", result.Finished)
	addIntRow(summary, "Total", result.Total)
	addIntRow(summary, "Added", result.Added)
	addIntRow(summary, "Updated", result.Updated)
	addIntRow(summary, "Skipped", result.Skipped)
	addIntRow(summary, "Errors", result.Errors)
	row := summary.AddRow()
	row.AddCell().Value = "Stopped"
	row.AddCell().SetBool(result.Stopped)

	details, err := file.AddSheet(DetailsSheet)
	if err != nil {
		return nil, fmt.Errorf("add details sheet: %w", err)
	}
	header := details.AddRow()
	for _, h := range []string{"#", "Title", "Status", "Reason"} {
		header.AddCell().Value = h
	}
	for i, item := range result.Details {
		row := details.AddRow()
		row.AddCell().SetInt(i + 1)
		row.AddCell().Value = item.Title
		row.AddCell().Value = string(item.Status)
		row.AddCell().Value = item.Reason
	}
	return file, nil
}

// Write renders result and writes the workbook to w.
func Write(w io.Writer, result crawler.CrawlResult) error {
	file, err := Build(result)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteFile writes the workbook for result to path.
func WriteFile(path string, result crawler.CrawlResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(f, result); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}

func addTextRow(sheet *xlsx.Sheet, label, value string) {
	row := sheet.AddRow()
	row.AddCell().Value = label
	row.AddCell().Value = value
}

func addIntRow(sheet *xlsx.Sheet, label string, value int) {
	row := sheet.AddRow()
	row.AddCell().Value = label
	row.AddCell().SetInt(value)
}

func addTimeRow(sheet *xlsx.Sheet, label string, value time.Time) {
	row := sheet.AddRow()
	row.AddCell().Value = label
	if value.IsZero() {
		row.AddCell()
		return
	}
	row.AddCell().SetDateTime(value)
}
