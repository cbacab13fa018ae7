package acquisition

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/modscope/dmd"
	"github.com/nasa-jpl/modscope/util"
)

// MaxAcquisitionTime is the longest accepted exposure, in seconds
const MaxAcquisitionTime = 10.

// Settings configure one acquisition session and the live display
type Settings struct {
	// SaveToDisk enables the dataset sink
	SaveToDisk bool `json:"saveToDisk" yaml:"SaveToDisk" koanf:"SaveToDisk"`

	// DMDTrigger makes the projector the master clock
	DMDTrigger bool `json:"dmdTrigger" yaml:"DMDTrigger" koanf:"DMDTrigger"`

	// AcquisitionTime is the exposure in seconds, (0, 10]
	AcquisitionTime float64 `json:"acquisitionTime" yaml:"AcquisitionTime" koanf:"AcquisitionTime"`

	// DMDFirstFrame and DMDLastFrame select the projected patterns (inclusive)
	DMDFirstFrame int `json:"dmdFirstFrame" yaml:"DMDFirstFrame" koanf:"DMDFirstFrame"`
	DMDLastFrame  int `json:"dmdLastFrame" yaml:"DMDLastFrame" koanf:"DMDLastFrame"`

	// RefreshPeriod is the live display period in seconds
	RefreshPeriod float64 `json:"refreshPeriod" yaml:"RefreshPeriod" koanf:"RefreshPeriod"`

	AutoRange  bool `json:"autoRange" yaml:"AutoRange" koanf:"AutoRange"`
	AutoLevels bool `json:"autoLevels" yaml:"AutoLevels" koanf:"AutoLevels"`
	LevelMin   int  `json:"levelMin" yaml:"LevelMin" koanf:"LevelMin"`
	LevelMax   int  `json:"levelMax" yaml:"LevelMax" koanf:"LevelMax"`

	// Sample is appended to dataset names when not empty
	Sample string `json:"sample" yaml:"Sample" koanf:"Sample"`
}

// DefaultSettings returns the settings a fresh session starts from
func DefaultSettings() Settings {
	return Settings{
		AcquisitionTime: 0.01,
		RefreshPeriod:   0.04,
		AutoRange:       true,
		AutoLevels:      true,
		LevelMin:        60,
		LevelMax:        150,
	}
}

// Validate rejects settings that cannot describe a session.  Nothing is clamped.
func (s Settings) Validate() error {
	var errs []error
	if !(s.AcquisitionTime > 0 && s.AcquisitionTime <= MaxAcquisitionTime) {
		errs = append(errs, fmt.Errorf("acquisition time %v s outside (0, %v]", s.AcquisitionTime, MaxAcquisitionTime))
	}
	if s.DMDFirstFrame < 0 || s.DMDLastFrame < 0 {
		errs = append(errs, fmt.Errorf("DMD frames must be >= 0, got %d..%d", s.DMDFirstFrame, s.DMDLastFrame))
	}
	if s.DMDFirstFrame > s.DMDLastFrame {
		errs = append(errs, fmt.Errorf("DMD first frame %d is after last frame %d", s.DMDFirstFrame, s.DMDLastFrame))
	}
	if s.RefreshPeriod <= 0 {
		errs = append(errs, fmt.Errorf("refresh period %v s must be positive", s.RefreshPeriod))
	}
	if !s.AutoLevels && s.LevelMin >= s.LevelMax {
		errs = append(errs, fmt.Errorf("level min %d must be below level max %d", s.LevelMin, s.LevelMax))
	}
	if err := util.MergeErrors(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// Exposure is AcquisitionTime as a duration
func (s Settings) Exposure() time.Duration {
	return util.SecsToDuration(s.AcquisitionTime)
}

// Range is the projected pattern range
func (s Settings) Range() dmd.Range {
	return dmd.Range{First: s.DMDFirstFrame, Last: s.DMDLastFrame}
}

// Refresh is RefreshPeriod as a duration
func (s Settings) Refresh() time.Duration {
	return util.SecsToDuration(s.RefreshPeriod)
}
