package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackdepth/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"stack_depth_analyzer_version": 1,
		"entrypoints": {
			"default_handler": "default_handler",
			"nmi": false,
			"svcall": null,
			"pendsv": null,
			"systick": 0,
			"interrupts": [
				{ "number": 16, "name": "irq0", "config": { "priority_group": 2 } }
			]
		},
		"dynamic_calls": [
			{ "site": "0x1004", "targets": ["bar"] }
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Entrypoints.SysTick.Enabled)
	assert.False(t, cfg.Entrypoints.NMI.Enabled)
	require.Len(t, cfg.Entrypoints.Interrupts, 1)
	assert.Equal(t, 2, cfg.Entrypoints.Interrupts[0].Config.Group)

	hints, err := cfg.Hints()
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, []string{"bar"}, hints[0].Targets)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `{
		"stack_depth_analyzer_version": 1,
		"entrypoints": { "interrupts": [] },
		"dynamic_calls": [],
		"bogus_field": true
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	path := writeConfig(t, `{
		"stack_depth_analyzer_version": 2,
		"entrypoints": { "interrupts": [] },
		"dynamic_calls": []
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestLoadRejectsOutOfRangeInterrupt(t *testing.T) {
	path := writeConfig(t, `{
		"stack_depth_analyzer_version": 1,
		"entrypoints": {
			"interrupts": [ { "number": 99, "name": "irq", "config": null } ]
		},
		"dynamic_calls": []
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestLoadRejectsBadDynamicCallSite(t *testing.T) {
	path := writeConfig(t, `{
		"stack_depth_analyzer_version": 1,
		"entrypoints": { "interrupts": [] },
		"dynamic_calls": [ { "site": "not-a-site!!", "targets": ["bar"] } ]
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}
