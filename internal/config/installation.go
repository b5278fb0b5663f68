package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sapflow.report/internal/decoder"
	"github.com/banshee-data/sapflow.report/internal/sapflow"
	"github.com/banshee-data/sapflow.report/internal/units"
)

// DefaultConfigPath is the path to the canonical installation defaults file.
const DefaultConfigPath = "config/installation.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// SiteConfig is the on-disk description of one probe installation plus the
// processing options applied to its uplinks. Every field is optional; the
// Get* methods fall back to the reference installation.
type SiteConfig struct {
	// Installation measurements (metres unless noted)
	Circumference        *float64  `json:"circumference_m,omitempty" yaml:"circumference_m,omitempty"`
	WoundingCoefficient  *float64  `json:"wounding_coefficient,omitempty" yaml:"wounding_coefficient,omitempty"`
	BarkThickness        *float64  `json:"bark_thickness_m,omitempty" yaml:"bark_thickness_m,omitempty"`
	SapwoodDepth         *float64  `json:"sapwood_depth_m,omitempty" yaml:"sapwood_depth_m,omitempty"`
	ProbeLength          *float64  `json:"probe_length_m,omitempty" yaml:"probe_length_m,omitempty"`
	ProbeDepths          []float64 `json:"probe_depths_m,omitempty" yaml:"probe_depths_m,omitempty"`
	SapFlowFactor        *float64  `json:"sap_flow_factor,omitempty" yaml:"sap_flow_factor,omitempty"`
	OffsetInner          *float64  `json:"offset_inner,omitempty" yaml:"offset_inner,omitempty"` // cm/hr
	OffsetOuter          *float64  `json:"offset_outer,omitempty" yaml:"offset_outer,omitempty"` // cm/hr
	ProbeEdge            *float64  `json:"probe_edge_m,omitempty" yaml:"probe_edge_m,omitempty"`
	RemainderMode        *string   `json:"remainder_mode,omitempty" yaml:"remainder_mode,omitempty"`
	OuterOnlyFullAnnulus *bool     `json:"outer_only_full_annulus,omitempty" yaml:"outer_only_full_annulus,omitempty"`

	// Processing options
	OutputMode           *string  `json:"output_mode,omitempty" yaml:"output_mode,omitempty"` // "nested" or "flat"
	SamplesPerHour       *float64 `json:"samples_per_hour,omitempty" yaml:"samples_per_hour,omitempty"`
	DeriveSamplesPerHour *bool    `json:"derive_samples_per_hour,omitempty" yaml:"derive_samples_per_hour,omitempty"`
	Timezone             *string  `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	FlowUnits            *string  `json:"flow_units,omitempty" yaml:"flow_units,omitempty"`
}

// EmptySiteConfig returns a SiteConfig with all fields unset.
func EmptySiteConfig() *SiteConfig {
	return &SiteConfig{}
}

// LoadSiteConfig reads a SiteConfig from a .json, .jsonc, .yaml or .yml
// file and validates it. Omitted fields keep their defaults.
func LoadSiteConfig(path string) (*SiteConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".jsonc", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .jsonc, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseSiteConfig(data, ext)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseSiteConfig decodes data in the format named by ext without
// validating it.
func ParseSiteConfig(data []byte, ext string) (*SiteConfig, error) {
	cfg := EmptySiteConfig()
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".jsonc":
		data = jsonc.ToJSON(data)
		fallthrough
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. It panics if the file cannot be loaded and is meant
// for test setup.
func MustLoadDefaultConfig() *SiteConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSiteConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the resolved installation and processing options.
func (c *SiteConfig) Validate() error {
	if c.ProbeDepths != nil && len(c.ProbeDepths) != 2 {
		return fmt.Errorf("probe_depths_m must have exactly 2 entries, got %d", len(c.ProbeDepths))
	}
	if err := c.Installation().Validate(); err != nil {
		return err
	}
	if c.OutputMode != nil {
		if _, err := decoder.ParseMode(*c.OutputMode); err != nil {
			return err
		}
	}
	if c.SamplesPerHour != nil && !(*c.SamplesPerHour > 0) {
		return fmt.Errorf("samples_per_hour must be positive, got %v", *c.SamplesPerHour)
	}
	if c.Timezone != nil && !units.IsTimezoneValid(*c.Timezone) {
		return fmt.Errorf("invalid timezone %q", *c.Timezone)
	}
	if c.FlowUnits != nil && !units.IsValidFlowUnit(*c.FlowUnits) {
		return fmt.Errorf("flow_units must be one of %s, got %q", units.GetValidFlowUnitsString(), *c.FlowUnits)
	}
	return nil
}

// Installation resolves the installation measurements, filling unset
// fields from sapflow.DefaultInstallation.
func (c *SiteConfig) Installation() sapflow.Installation {
	in := sapflow.DefaultInstallation()
	setFloat(&in.Circumference, c.Circumference)
	setFloat(&in.WoundingCoefficient, c.WoundingCoefficient)
	setFloat(&in.BarkThickness, c.BarkThickness)
	setFloat(&in.SapwoodDepth, c.SapwoodDepth)
	setFloat(&in.ProbeLength, c.ProbeLength)
	setFloat(&in.SapFlowFactor, c.SapFlowFactor)
	setFloat(&in.OffsetInner, c.OffsetInner)
	setFloat(&in.OffsetOuter, c.OffsetOuter)
	setFloat(&in.ProbeEdge, c.ProbeEdge)
	if len(c.ProbeDepths) == 2 {
		in.ProbeDepths = [2]float64{c.ProbeDepths[0], c.ProbeDepths[1]}
	}
	if c.RemainderMode != nil {
		in.RemainderMode = sapflow.RemainderMode(*c.RemainderMode)
	}
	if c.OuterOnlyFullAnnulus != nil {
		in.OuterOnlyFullAnnulus = *c.OuterOnlyFullAnnulus
	}
	return in
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

// GetOutputMode returns the decoder output mode or nested.
func (c *SiteConfig) GetOutputMode() decoder.Mode {
	if c.OutputMode == nil {
		return decoder.ModeNested
	}
	m, err := decoder.ParseMode(*c.OutputMode)
	if err != nil {
		return decoder.ModeNested
	}
	return m
}

// GetSamplesPerHour returns the configured samples per hour, or 0 to let
// the aggregator choose.
func (c *SiteConfig) GetSamplesPerHour() float64 {
	if c.SamplesPerHour == nil {
		return 0
	}
	return *c.SamplesPerHour
}

// GetDeriveSamplesPerHour returns the derive_samples_per_hour value or false.
func (c *SiteConfig) GetDeriveSamplesPerHour() bool {
	if c.DeriveSamplesPerHour == nil {
		return false
	}
	return *c.DeriveSamplesPerHour
}

// GetTimezone returns the bucketing timezone or "UTC".
func (c *SiteConfig) GetTimezone() string {
	if c.Timezone == nil || *c.Timezone == "" {
		return "UTC"
	}
	return *c.Timezone
}

// GetFlowUnits returns the reporting flow unit or kg/h.
func (c *SiteConfig) GetFlowUnits() string {
	if c.FlowUnits == nil || *c.FlowUnits == "" {
		return units.KgPerHour
	}
	return *c.FlowUnits
}
