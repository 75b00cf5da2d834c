// Package risk derives a discrete risk classification from per-cell grid
// readings and the recent variance series.
package risk

import (
	"math"

	"github.com/sakif/farmsync/internal/model"
)

// Level is the overall field risk.
type Level string

const (
	Low    Level = "Low"
	Medium Level = "Medium"
	High   Level = "High"
)

// SyntheticSamples is the length of the placeholder variance series.
const SyntheticSamples = 30

// DefaultFarmerName is shown when no profile is available yet.
const DefaultFarmerName = "Farmer"

// Summary is the dashboard view of a field. It is derived on demand and never
// persisted.
type Summary struct {
	FarmerName      string    `json:"farmerName"`
	RiskLevel       Level     `json:"riskLevel"`
	RedZoneCount    int       `json:"redZoneCount"`
	YellowZoneCount int       `json:"yellowZoneCount"`
	VarianceSamples []float64 `json:"varianceSamples"`

	// SyntheticVariance is true when VarianceSamples is the placeholder
	// curve rather than measured data.
	SyntheticVariance bool `json:"syntheticVariance"`
}

// Classify is a pure function of its inputs.
//
// Any red cell makes the field High risk; otherwise any yellow cell makes it
// Medium; otherwise it is Low. A nil grid has no cells. A nil variance series
// is replaced by SyntheticVariance(); an empty, non-nil series is real data
// and is kept as is.
func Classify(profile *model.Profile, grid *model.Grid, variance model.VarianceSeries) Summary {
	s := Summary{FarmerName: DefaultFarmerName}
	if profile != nil && profile.FarmerName != "" {
		s.FarmerName = profile.FarmerName
	}

	if grid != nil {
		for _, c := range grid.Cells {
			switch c.Level {
			case model.LevelRed:
				s.RedZoneCount++
			case model.LevelYellow:
				s.YellowZoneCount++
			}
		}
	}

	switch {
	case s.RedZoneCount > 0:
		s.RiskLevel = High
	case s.YellowZoneCount > 0:
		s.RiskLevel = Medium
	default:
		s.RiskLevel = Low
	}

	if variance == nil {
		s.VarianceSamples = SyntheticVariance()
		s.SyntheticVariance = true
	} else {
		s.VarianceSamples = append([]float64(nil), variance...)
	}

	return s
}

// SyntheticVariance returns a calm, deterministic placeholder curve so the
// dashboard never renders an empty chart before real samples arrive.
func SyntheticVariance() []float64 {
	out := make([]float64, SyntheticSamples)
	for i := range out {
		v := 35 + 10*math.Sin(float64(i)/4)
		if i > 20 {
			v += 8
		}
		out[i] = math.Floor(v + 0.5)
	}
	return out
}
