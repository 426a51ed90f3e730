package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the storage/runtime knob file (tuning.yaml).
type Tuning struct {
	TickDurationMs int `yaml:"tick_duration_ms"`

	RegionSectors int `yaml:"region_sectors"` // region edge, in sectors
	GridRegions   int `yaml:"grid_regions"`   // grid cell edge, in regions

	PropagationWorkers int `yaml:"propagation_workers"` // <=0: GOMAXPROCS
	AutosaveEveryTicks int `yaml:"autosave_every_ticks"`

	EnableSaveDB bool `yaml:"enable_save_db"`

	ChangefeedMaxConns int `yaml:"changefeed_max_conns"`
}

func Defaults() Tuning {
	return Tuning{
		TickDurationMs:     200,
		RegionSectors:      8,
		GridRegions:        4,
		AutosaveEveryTicks: 300,
		EnableSaveDB:       true,
		ChangefeedMaxConns: 64,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
