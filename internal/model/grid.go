package model

// Level is the per-cell stress classification produced by the sensor pipeline.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// Cell is a single grid cell reading.
type Cell struct {
	Level           Level  `json:"level"`
	Signal          string `json:"signal,omitempty"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

// Grid is the per-cell reading map for a field, stored at users/{uid}/grid.
// Cell labels are spreadsheet style: A1, A2, ... H8.
type Grid struct {
	Size  int             `json:"size"`
	Cells map[string]Cell `json:"cells"`
}

// VarianceSeries holds the most recent variance samples (nominally 30),
// stored at users/{uid}/variance/last30.
type VarianceSeries []float64
