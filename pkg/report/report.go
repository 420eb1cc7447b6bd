// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package report renders the quality picture as an xlsx workbook: a summary
// sheet, the daily series, and the per-model, per-provider, and per-spectrum
// group statistics.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

// ContentType is the MIME type for xlsx downloads.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names in workbook order.
const (
	sheetSummary   = "Summary"
	sheetDaily     = "Daily Quality"
	sheetModels    = "Models"
	sheetProviders = "Providers"
	sheetSpectrums = "Spectrums"
)

// dayFormat renders series dates.
const dayFormat = "2006-01-02"

// Data is everything the workbook renders. Forecast is optional; the summary
// sheet omits its rows when nil.
type Data struct {
	GeneratedAt    time.Time
	OverallQuality float64
	Tier           string
	Counters       pipeline.Counters
	Models         map[string]pipeline.GroupStats
	Providers      map[string]pipeline.GroupStats
	Spectrums      map[string]pipeline.GroupStats
	Daily          []pipeline.DayStat
	Forecast       *analysis.Forecast
	Audit          audit.Summary
}

// sheetWriter accumulates the first cell-write error so callers check once.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) set(cell string, value any) {
	if w.err != nil {
		return
	}
	w.err = w.f.SetCellValue(w.sheet, cell, value)
}

func (w *sheetWriter) setRow(row int, values ...any) {
	for col, v := range values {
		if w.err != nil {
			return
		}
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			w.err = err
			return
		}
		w.err = w.f.SetCellValue(w.sheet, cell, v)
	}
}

// Build renders the workbook. Callers stream it with File.Write and must
// Close it.
func Build(data Data) (*excelize.File, error) {
	f := excelize.NewFile()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if err := writeSummary(f, header, data); err != nil {
		return nil, err
	}
	if err := writeDaily(f, header, data.Daily); err != nil {
		return nil, err
	}
	for _, group := range []struct {
		sheet string
		stats map[string]pipeline.GroupStats
	}{
		{sheetModels, data.Models},
		{sheetProviders, data.Providers},
		{sheetSpectrums, data.Spectrums},
	} {
		if err := writeGroups(f, header, group.sheet, group.stats); err != nil {
			return nil, err
		}
	}

	f.SetActiveSheet(0)
	return f, nil
}

func writeSummary(f *excelize.File, header int, data Data) error {
	w := &sheetWriter{f: f, sheet: sheetSummary}

	w.setRow(1, "Quality Report")
	w.setRow(2, "Generated", data.GeneratedAt.UTC().Format(time.RFC3339))
	w.setRow(3, "Overall Quality", data.OverallQuality)
	w.setRow(4, "Tier", data.Tier)

	w.setRow(6, "Counters")
	w.setRow(7, "Traces Processed", data.Counters.TracesProcessed)
	w.setRow(8, "Quality Checks", data.Counters.QualityChecks)
	w.setRow(9, "Optimizations Triggered", data.Counters.OptimizationsTriggered)
	w.setRow(10, "Improvements Deployed", data.Counters.ImprovementsDeployed)
	w.setRow(11, "Traces Dropped", data.Counters.TracesDropped)
	w.setRow(12, "Shape Errors", data.Counters.ShapeErrors)
	w.setRow(13, "Internal Errors", data.Counters.InternalErrors)

	w.setRow(15, "Change History")
	w.setRow(16, "Total Changes", data.Audit.TotalChanges)
	w.setRow(17, "Optimization Cycles", data.Audit.OptimizationCycles)
	w.setRow(18, "Failed Optimizations", data.Audit.FailedOptimizations)
	w.setRow(19, "Rollbacks", data.Audit.Rollbacks)
	w.setRow(20, "Success Rate", data.Audit.SuccessRate)

	if fc := data.Forecast; fc != nil {
		w.setRow(22, "Forecast")
		w.setRow(23, "Trend", fc.Trend)
		w.setRow(24, "Predicted 7d", fc.Predicted7d)
		w.setRow(25, "Predicted 30d", fc.Predicted30d)
		w.setRow(26, "Needs Intervention", fc.NeedsIntervention)
	}

	if w.err != nil {
		return fmt.Errorf("failed to write summary sheet: %w", w.err)
	}
	for _, section := range []string{"A1", "A6", "A15", "A22"} {
		if err := f.SetCellStyle(sheetSummary, section, section, header); err != nil {
			return fmt.Errorf("failed to style summary sheet: %w", err)
		}
	}
	return f.SetColWidth(sheetSummary, "A", "A", 24)
}

func writeDaily(f *excelize.File, header int, daily []pipeline.DayStat) error {
	if _, err := f.NewSheet(sheetDaily); err != nil {
		return fmt.Errorf("failed to create daily sheet: %w", err)
	}

	w := &sheetWriter{f: f, sheet: sheetDaily}
	w.setRow(1, "Day", "Mean Quality", "Samples")
	for i, day := range daily {
		w.setRow(i+2, day.Day.UTC().Format(dayFormat), day.Mean, day.Count)
	}
	if w.err != nil {
		return fmt.Errorf("failed to write daily sheet: %w", w.err)
	}
	if err := f.SetCellStyle(sheetDaily, "A1", "C1", header); err != nil {
		return fmt.Errorf("failed to style daily sheet: %w", err)
	}
	return f.SetColWidth(sheetDaily, "A", "C", 14)
}

func writeGroups(f *excelize.File, header int, sheet string, stats map[string]pipeline.GroupStats) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create %s sheet: %w", sheet, err)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	w := &sheetWriter{f: f, sheet: sheet}
	w.setRow(1, "Name", "Mean Quality", "Samples")
	for i, name := range names {
		w.setRow(i+2, name, stats[name].Mean, stats[name].Count)
	}
	if w.err != nil {
		return fmt.Errorf("failed to write %s sheet: %w", sheet, w.err)
	}
	if err := f.SetCellStyle(sheet, "A1", "C1", header); err != nil {
		return fmt.Errorf("failed to style %s sheet: %w", sheet, err)
	}
	return f.SetColWidth(sheet, "A", "C", 18)
}
