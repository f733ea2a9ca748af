package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvBaseURL is the environment variable that overrides settings.baseUrl.
const EnvBaseURL = "BASE_URL"

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ParseMillis parses a latency bound. Bare numbers are milliseconds
// ("200", "0.5"); anything else goes through time.ParseDuration.
func ParseMillis(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid latency value: %s", s)
	}
	return d, nil
}

// ParseScenarioDuration parses the duration for a scenario config.
//
// For stage-based executors, if no explicit duration is set,
// the total duration is calculated from all stages.
func ParseScenarioDuration(sc *ScenarioConfig) (time.Duration, error) {
	if sc.Duration != "" {
		return ParseDurationString(sc.Duration)
	}

	if len(sc.Stages) > 0 {
		var total time.Duration
		for _, stage := range sc.Stages {
			stageDur, err := ParseDurationString(stage.Duration)
			if err != nil {
				return 0, fmt.Errorf("invalid stage duration: %w", err)
			}
			total += stageDur
		}
		return total, nil
	}

	return 0, fmt.Errorf("no duration specified and no stages defined")
}

// ParseStages parses the compact CLI stage format "30s:10,2m:10,30s:0".
func ParseStages(s string) ([]StageConfig, error) {
	var stages []StageConfig

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pieces := strings.Split(part, ":")
		if len(pieces) != 2 {
			return nil, fmt.Errorf("invalid stage %q: expected duration:target", part)
		}
		if _, err := ParseDurationString(pieces[0]); err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", part, err)
		}
		target, err := strconv.Atoi(strings.TrimSpace(pieces[1]))
		if err != nil || target < 0 {
			return nil, fmt.Errorf("invalid stage %q: target must be a non-negative integer", part)
		}
		stages = append(stages, StageConfig{
			Duration: strings.TrimSpace(pieces[0]),
			Target:   target,
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages specified")
	}
	return stages, nil
}

// MergeVariables merges multiple variable maps in order.
// Later maps override earlier ones.
func MergeVariables(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(config *TestConfig) {
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(30 * time.Second)
	}
	if config.Settings.MaxConnectionsPerHost == 0 {
		config.Settings.MaxConnectionsPerHost = 100
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = 100
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = "grocery-load/1.0"
	}

	if config.Options == nil {
		config.Options = &ExecutionOptions{}
	}

	if config.Setup != nil {
		applyRequestDefaults("setup", config.Setup.Requests)
	}
	if config.Teardown != nil {
		applyRequestDefaults("teardown", config.Teardown.Requests)
	}

	for name, sc := range config.Scenarios {
		if sc == nil {
			continue
		}
		applyScenarioDefaults(name, sc)
	}
}

func applyScenarioDefaults(name string, sc *ScenarioConfig) {
	if sc.Executor == "" {
		sc.Executor = "constant-vus"
	}

	switch sc.Executor {
	case "constant-vus":
		if sc.VUs == 0 {
			sc.VUs = 1
		}
	case "per-vu-iterations":
		if sc.VUs == 0 {
			sc.VUs = 1
		}
		if sc.Iterations == 0 {
			sc.Iterations = 1
		}
	case "constant-arrival-rate":
		if sc.TimeUnit == "" {
			sc.TimeUnit = "1s"
		}
		if sc.PreAllocatedVUs == 0 {
			sc.PreAllocatedVUs = 1
		}
		if sc.MaxVUs == 0 {
			sc.MaxVUs = sc.PreAllocatedVUs * 10
		}
	}

	applyRequestDefaults(name, sc.Requests)
}

func applyRequestDefaults(prefix string, reqs []RequestConfig) {
	for i := range reqs {
		if reqs[i].Name == "" {
			reqs[i].Name = fmt.Sprintf("%s_request_%d", prefix, i+1)
		}
		if reqs[i].Method == "" {
			reqs[i].Method = "GET"
		} else {
			reqs[i].Method = strings.ToUpper(reqs[i].Method)
		}
		for j := range reqs[i].Extract {
			if reqs[i].Extract[j].Source == "" {
				reqs[i].Extract[j].Source = "body"
			}
		}
	}
}

// Overrides are command-line adjustments to a loaded configuration.
// Zero values leave the configuration untouched.
type Overrides struct {
	BaseURL  string
	VUs      int
	Duration string
	Stages   []StageConfig
}

// ApplyOverrides rewrites the load profile of every scenario.
//
// Stages switch scenarios to ramping-vus. VUs and Duration together switch
// them to constant-vus; either alone adjusts the existing profile.
func ApplyOverrides(config *TestConfig, o Overrides) {
	if o.BaseURL != "" {
		config.Settings.BaseURL = strings.TrimRight(o.BaseURL, "/")
	}

	for _, sc := range config.Scenarios {
		if sc == nil {
			continue
		}
		switch {
		case len(o.Stages) > 0:
			sc.Executor = "ramping-vus"
			sc.Stages = append([]StageConfig(nil), o.Stages...)
			sc.Duration = ""
			sc.VUs = 0
		case o.VUs > 0 && o.Duration != "":
			sc.Executor = "constant-vus"
			sc.VUs = o.VUs
			sc.Duration = o.Duration
			sc.Stages = nil
		case o.VUs > 0:
			sc.VUs = o.VUs
		case o.Duration != "":
			sc.Duration = o.Duration
		}
	}
}

// ExecutorConfig is an intermediate representation for executor configuration.
// This is separate from the YAML/JSON schema to allow for duration parsing.
type ExecutorConfig struct {
	Name            string
	Type            string
	VUs             int
	Duration        time.Duration
	Iterations      int64
	Rate            float64
	TimeUnit        time.Duration
	PreAllocatedVUs int
	MaxVUs          int
	Stages          []ExecutorStage
	GracefulStop    time.Duration
	StartTime       time.Duration
	Pacing          *ExecutorPacing
}

// ExecutorStage represents a parsed stage configuration.
type ExecutorStage struct {
	Duration time.Duration
	Target   int
	Name     string
}

// ExecutorPacing represents parsed pacing configuration.
type ExecutorPacing struct {
	Type     string
	Duration time.Duration
	Min      time.Duration
	Max      time.Duration
}

// ConvertToExecutorConfig converts a ScenarioConfig to an ExecutorConfig.
func ConvertToExecutorConfig(name string, sc *ScenarioConfig) (*ExecutorConfig, error) {
	config := &ExecutorConfig{
		Name:            name,
		Type:            sc.Executor,
		VUs:             sc.VUs,
		Iterations:      sc.Iterations,
		Rate:            sc.Rate,
		PreAllocatedVUs: sc.PreAllocatedVUs,
		MaxVUs:          sc.MaxVUs,
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"duration", sc.Duration, &config.Duration},
		{"gracefulStop", sc.GracefulStop, &config.GracefulStop},
		{"startTime", sc.StartTime, &config.StartTime},
		{"timeUnit", sc.TimeUnit, &config.TimeUnit},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		dur, err := ParseDurationString(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.field, err)
		}
		*d.dst = dur
	}
	if config.TimeUnit == 0 {
		config.TimeUnit = time.Second
	}

	for _, stage := range sc.Stages {
		stageDur, err := ParseDurationString(stage.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid stage duration: %w", err)
		}
		config.Stages = append(config.Stages, ExecutorStage{
			Duration: stageDur,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}

	if len(config.Stages) > 0 && config.Duration == 0 {
		for _, stage := range config.Stages {
			config.Duration += stage.Duration
		}
	}

	if sc.Pacing != nil {
		config.Pacing = &ExecutorPacing{Type: sc.Pacing.Type}
		pacing := []struct {
			field string
			value string
			dst   *time.Duration
		}{
			{"pacing duration", sc.Pacing.Duration, &config.Pacing.Duration},
			{"pacing min", sc.Pacing.Min, &config.Pacing.Min},
			{"pacing max", sc.Pacing.Max, &config.Pacing.Max},
		}
		for _, d := range pacing {
			if d.value == "" {
				continue
			}
			dur, err := ParseDurationString(d.value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", d.field, err)
			}
			*d.dst = dur
		}
	}

	return config, nil
}
