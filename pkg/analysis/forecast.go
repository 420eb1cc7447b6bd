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
package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Trend labels for Forecast.Trend.
const (
	TrendInsufficientData = "insufficient_data"
	TrendImproving        = "improving"
	TrendDegrading        = "degrading"
	TrendStable           = "stable"
)

// trendEpsilon is the slope magnitude below which the series counts as flat.
const trendEpsilon = 0.001

// DailyPoint is one day of the quality series.
type DailyPoint struct {
	Date  time.Time
	Mean  float64
	Count int
}

// SeriesSource supplies the daily quality series for the last n days.
type SeriesSource interface {
	DailyQuality(ctx context.Context, days int) ([]DailyPoint, error)
}

// Forecast projects the quality series 7 and 30 days out.
type Forecast struct {
	Trend             string
	Slope             float64
	Current           float64
	Predicted7d       float64
	Predicted30d      float64
	NeedsIntervention bool
	Confidence        float64
	Points            int
	GeneratedAt       time.Time
}

// PredictorConfig configures a Predictor.
type PredictorConfig struct {
	// Series supplies the daily quality history. Required.
	Series SeriesSource

	// Threshold is the quality floor; a 7-day projection below it flags
	// intervention. Defaults to 0.90.
	Threshold float64

	// Horizon is how many days of history to request. Defaults to 30.
	Horizon int

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Predictor fits a least-squares line through the daily quality series.
type Predictor struct {
	config PredictorConfig
}

// NewPredictor validates the config and fills defaults.
func NewPredictor(config PredictorConfig) (*Predictor, error) {
	if config.Series == nil {
		return nil, fmt.Errorf("series source is required")
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		config.Threshold = 0.90
	}
	if config.Horizon <= 0 {
		config.Horizon = 30
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Predictor{config: config}, nil
}

// Forecast fits the series and projects it forward. Fewer than two points
// cannot carry a slope; the forecast then reports insufficient data instead
// of guessing.
func (p *Predictor) Forecast(ctx context.Context) (Forecast, error) {
	points, err := p.config.Series.DailyQuality(ctx, p.config.Horizon)
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to load daily quality series: %w", err)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

	f := Forecast{
		Points:      len(points),
		GeneratedAt: time.Now().UTC(),
	}
	if len(points) < 2 {
		f.Trend = TrendInsufficientData
		return f, nil
	}

	slope := olsSlope(points)
	last := points[len(points)-1].Mean

	f.Slope = slope
	f.Current = last
	f.Predicted7d = clamp01(last + 7*slope)
	f.Predicted30d = clamp01(last + 30*slope)
	f.NeedsIntervention = f.Predicted7d < p.config.Threshold
	f.Confidence = sampleConfidence(len(points))

	switch {
	case slope > trendEpsilon:
		f.Trend = TrendImproving
	case slope < -trendEpsilon:
		f.Trend = TrendDegrading
	default:
		f.Trend = TrendStable
	}

	p.config.Logger.Debug("quality forecast",
		zap.String("trend", f.Trend),
		zap.Float64("slope", slope),
		zap.Float64("predicted_7d", f.Predicted7d),
		zap.Float64("predicted_30d", f.Predicted30d),
		zap.Bool("needs_intervention", f.NeedsIntervention))
	return f, nil
}

// olsSlope fits quality against the day index 0..n-1.
func olsSlope(points []DailyPoint) float64 {
	n := float64(len(points))
	var sumX, sumY float64
	for i, pt := range points {
		sumX += float64(i)
		sumY += pt.Mean
	}
	meanX := sumX / n
	meanY := sumY / n

	var num, den float64
	for i, pt := range points {
		dx := float64(i) - meanX
		num += dx * (pt.Mean - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
