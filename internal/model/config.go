package model

import (
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers.
const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	PlanModeLoops    = "loops"
	PlanModeDuration = "duration"
	PlanModeLimit    = "limit"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int                `json:"version"` // fixed 0 for now
	Stability *Stability         `json:"stability,omitempty"`
	Workloads map[string]Command `json:"workloads,omitempty"`
	Service   Service            `json:"service"`
}

// Stability execution plan as persisted. Loops and Duration are both optional;
// normalization decides which one is meaningful (see plan.Normalize).
type Stability struct {
	Mode       string  `json:"mode"` // "loops" | "duration" | "limit"
	Loops      *int    `json:"loops,omitempty"`
	Duration   *string `json:"duration,omitempty"` // e.g. "2h30m", "1d"
	ExitFirst  *bool   `json:"exit_first,omitempty"`
	RetryLimit *int    `json:"retry_limit,omitempty"`
}

// Command describes an external workload executable.
type Command struct {
	Path    string            `json:"path"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     *string           `json:"dir,omitempty"`
	Timeout *string           `json:"timeout,omitempty"`
}

// Service controls how the supervisor is driven.
type Service struct {
	Mode      string    `json:"mode"` // "manual" | "timer"
	Verbose   *bool     `json:"verbose,omitempty"`
	Schedule  *Schedule `json:"schedule,omitempty"` // required for timer mode
	ReportDir *string   `json:"report_dir,omitempty"`
	History   *string   `json:"history,omitempty"` // sqlite case-duration history path
}

// Schedule is a timer mode trigger: either a cron expression or an interval.
type Schedule struct {
	Cron  string `json:"cron,omitempty"`
	Every string `json:"every,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.Service.validate(); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is written on the first start when no config file exists.
func DefaultConfig() Config {
	loops := 1
	return Config{
		Version: 0,
		Stability: &Stability{
			Mode:  PlanModeLoops,
			Loops: &loops,
		},
		Service: Service{
			Mode: ServiceModeManual,
		},
	}
}

func (s Service) validate() error {
	if s.Mode != ServiceModeTimer {
		return nil
	}
	if s.Schedule == nil {
		return fmt.Errorf("service.schedule is required in timer mode")
	}
	switch {
	case s.Schedule.Cron != "":
		if _, err := ParseCron(s.Schedule.Cron); err != nil {
			return fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
	case s.Schedule.Every != "":
		if _, err := ParseRunDuration(s.Schedule.Every); err != nil {
			return fmt.Errorf("parsing service.schedule.every: %w", err)
		}
	default:
		return fmt.Errorf("service.schedule needs cron or every")
	}
	return nil
}
