// Package config loads and strictly validates the JSON configuration file
// described in spec.md §6: entrypoint priority assignments and dynamic-call
// resolution hints. Unknown fields are a hard error, not a warning, and the
// schema version is checked before any field is trusted.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"stackdepth/internal/callgraph"
	"stackdepth/internal/errs"
)

// supportedVersion is the only stack_depth_analyzer_version this loader
// accepts. Forward versions fail closed rather than attempting a
// best-effort parse.
const supportedVersion = 1

const (
	minExternalInterrupt = 16
	maxExternalInterrupt = 47 // Cortex-M0 has exactly 32 external lines: 16..47.
)

// PriorityValue is a JSON value that is either a non-negative integer
// priority group (entrypoint enabled at that priority) or the literal
// `false`/`null` (entrypoint pruned).
type PriorityValue struct {
	Enabled bool
	Group   int
}

func (p *PriorityValue) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "null", "false":
		*p = PriorityValue{}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrapf(errs.ErrConfigInvalid, "priority value must be an integer, false, or null: %v", err)
	}
	if n < 0 {
		return errors.Wrapf(errs.ErrConfigInvalid, "priority group %d must be non-negative", n)
	}
	*p = PriorityValue{Enabled: true, Group: n}
	return nil
}

// InterruptConfig is the per-interrupt `config` value: an object naming a
// priority group, or the literal `false`/`null`.
type InterruptConfig struct {
	Enabled bool
	Group   int
}

func (c *InterruptConfig) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "null", "false":
		*c = InterruptConfig{}
		return nil
	}
	var obj struct {
		PriorityGroup *int `json:"priority_group"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return errors.Wrapf(errs.ErrConfigInvalid, "invalid interrupt config object: %v", err)
	}
	group := 0
	if obj.PriorityGroup != nil {
		if *obj.PriorityGroup < 0 {
			return errors.Wrapf(errs.ErrConfigInvalid, "priority_group %d must be non-negative", *obj.PriorityGroup)
		}
		group = *obj.PriorityGroup
	}
	*c = InterruptConfig{Enabled: true, Group: group}
	return nil
}

// Interrupt is one entry of `entrypoints.interrupts`.
type Interrupt struct {
	Number int             `json:"number"`
	Name   string          `json:"name"`
	Config InterruptConfig `json:"config"`
}

// Entrypoints mirrors the `entrypoints` object of spec.md §6 exactly.
type Entrypoints struct {
	DefaultHandler *string       `json:"default_handler"`
	NMI            PriorityValue `json:"nmi"`
	SVCall         PriorityValue `json:"svcall"`
	PendSV         PriorityValue `json:"pendsv"`
	SysTick        PriorityValue `json:"systick"`
	Interrupts     []Interrupt   `json:"interrupts"`
}

// DynamicCall is one entry of the top-level `dynamic_calls` list.
type DynamicCall struct {
	Site    string   `json:"site"`
	Targets []string `json:"targets"`
}

// Config is the fully validated, strictly-decoded configuration file.
type Config struct {
	Version      int           `json:"stack_depth_analyzer_version"`
	Entrypoints  Entrypoints   `json:"entrypoints"`
	DynamicCalls []DynamicCall `json:"dynamic_calls"`
}

// Load reads and validates the config file at path. It rejects unknown
// JSON fields, an unsupported schema version, out-of-range interrupt
// numbers, and malformed dynamic_calls site strings — all as
// ErrConfigInvalid.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "opening %s: %v", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "parsing %s: %v", path, err)
	}

	if cfg.Version != supportedVersion {
		return nil, errors.Wrapf(errs.ErrConfigInvalid,
			"%s: stack_depth_analyzer_version %d is not supported (want %d)", path, cfg.Version, supportedVersion)
	}

	for _, irq := range cfg.Entrypoints.Interrupts {
		if irq.Number < minExternalInterrupt || irq.Number > maxExternalInterrupt {
			return nil, errors.Wrapf(errs.ErrConfigInvalid,
				"%s: interrupt number %d out of range [%d,%d]", path, irq.Number, minExternalInterrupt, maxExternalInterrupt)
		}
	}

	for _, dc := range cfg.DynamicCalls {
		if _, _, _, _, err := callgraph.ParseSite(dc.Site); err != nil {
			return nil, err
		}
		if len(dc.Targets) == 0 {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "%s: dynamic_calls entry %q has no targets", path, dc.Site)
		}
	}

	return &cfg, nil
}

// Hints converts DynamicCalls into the callgraph package's Hint records.
func (c *Config) Hints() ([]callgraph.Hint, error) {
	hints := make([]callgraph.Hint, 0, len(c.DynamicCalls))
	for _, dc := range c.DynamicCalls {
		addr, addrKnown, caller, offset, err := callgraph.ParseSite(dc.Site)
		if err != nil {
			return nil, err
		}
		hints = append(hints, callgraph.Hint{
			Site: dc.Site, Addr: addr, AddrKnown: addrKnown,
			CallerName: caller, Offset: offset, Targets: dc.Targets,
		})
	}
	return hints, nil
}
