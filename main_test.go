package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMachine is a synthetic sysfs tree plus a config file.
type testMachine struct {
	sysRoot string
	config  string
	output  string
}

func newTestMachine(t *testing.T, config string, hwmons ...syntheticHwmon) testMachine {
	t.Helper()
	dir := t.TempDir()
	m := testMachine{
		sysRoot: filepath.Join(dir, "sys"),
		config:  filepath.Join(dir, "config.yml"),
		output:  filepath.Join(dir, "fancontrol"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(m.sysRoot, "class", "hwmon"), 0o755))
	for _, h := range hwmons {
		addSyntheticHwmon(t, m.sysRoot, h)
	}
	require.NoError(t, os.WriteFile(m.config, []byte(config), 0o644))
	return m
}

func (m testMachine) args(extra ...string) []string {
	return append([]string{"-c", m.config, "--sysfs", m.sysRoot, "-p", "profiles", "-f", m.output}, extra...)
}

var (
	testCoretemp = syntheticHwmon{
		index:   3,
		driver:  "coretemp",
		devpath: "devices/platform/coretemp.0",
		attrs: map[string]string{
			"temp1_input": "45000\n",
			"temp1_label": "Package id 0\n",
		},
	}
	testNCT = syntheticHwmon{
		index:   1,
		driver:  "nct6775",
		devpath: "devices/platform/nct6775.656",
		attrs: map[string]string{
			"temp1_input": "34000\n",
			"fan2_input":  "900\n",
			"pwm2":        "100\n",
			"pwm2_enable": "2\n",
		},
	}
)

const runConfig = `
devices:
  - name: cpu
    match:
      driver: coretemp
    channels:
      - name: cpu_temp
        kind: temp
        label: Package id 0
  - name: board
    match:
      driver: nct6775
    channels:
      - name: cpu_fan
        kind: fan
        index: 2
      - name: cpu_pwm
        kind: pwm
        index: 2
controls:
  - pwm: cpu_pwm
    temp: cpu_temp
    fan: cpu_fan
    limits:
      temp: [40, 75]
`

func TestRun_WritesAndSkips(t *testing.T) {
	m := newTestMachine(t, runConfig, testCoretemp, testNCT)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(m.args("-v"), &stdout, &stderr))
	assert.Empty(t, stdout.String())

	data, err := os.ReadFile(m.output)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "DEVPATH=hwmon1=devices/platform/nct6775.656 hwmon3=devices/platform/coretemp.0\n")
	assert.Contains(t, content, "DEVNAME=hwmon1=nct6775 hwmon3=coretemp\n")
	assert.Contains(t, content, "FCTEMPS=hwmon1/pwm2=hwmon3/temp1_input\n")
	assert.Contains(t, content, "FCFANS=hwmon1/pwm2=hwmon1/fan2_input\n")
	// Start and stop come from the nuvoton profile.
	assert.Contains(t, content, "MINSTART=hwmon1/pwm2=120\n")
	assert.Contains(t, content, "MINSTOP=hwmon1/pwm2=70\n")
	assert.Contains(t, stderr.String(), "config was written")

	stderr.Reset()
	require.NoError(t, run(m.args("-v"), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "skipping regeneration")
}

func TestRun_Console(t *testing.T) {
	m := newTestMachine(t, runConfig, testCoretemp, testNCT)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-c", m.config, "--sysfs", m.sysRoot, "-f", "-"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "# Generated by fanctl."))
	assert.Contains(t, stdout.String(), "FCTEMPS=hwmon1/pwm2=hwmon3/temp1_input\n")

	_, err := os.Stat(m.output)
	assert.True(t, os.IsNotExist(err), "nothing written to the default path")
}

func TestRun_PrintMapping(t *testing.T) {
	m := newTestMachine(t, runConfig, testCoretemp, testNCT)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(m.args("--print-mapping"), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "path: hwmon3/temp1_input")
	assert.Contains(t, stdout.String(), "path: hwmon1/pwm2")

	_, err := os.Stat(m.output)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_ConfigErrorBeforeEnumeration(t *testing.T) {
	m := newTestMachine(t, `
devices:
  - name: cpu
    match:
      driver: coretemp
    channels:
      - name: cpu_temp
        index: 1
`)
	// Remove the hardware tree: a config error must win over enumeration.
	require.NoError(t, os.RemoveAll(m.sysRoot))

	var stdout, stderr bytes.Buffer
	err := run(m.args(), &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitConfigError, exitCode(err))
	assert.Contains(t, err.Error(), "devices[0].channels[0] (cpu_temp)")
}

func TestRun_EnumerationError(t *testing.T) {
	m := newTestMachine(t, runConfig)
	require.NoError(t, os.RemoveAll(filepath.Join(m.sysRoot, "class")))

	var stdout, stderr bytes.Buffer
	err := run(m.args(), &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitEnumeration, exitCode(err))
}

func TestRun_ReconciliationErrorWritesNothing(t *testing.T) {
	second := testCoretemp
	second.index = 4
	second.devpath = "devices/platform/coretemp.1"
	m := newTestMachine(t, runConfig, testCoretemp, second, testNCT)

	var stdout, stderr bytes.Buffer
	err := run(m.args(), &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitReconciliation, exitCode(err))
	assert.Contains(t, err.Error(), "hwmon3 (coretemp, devices/platform/coretemp.0)")
	assert.Contains(t, err.Error(), "hwmon4 (coretemp, devices/platform/coretemp.1)")

	_, statErr := os.Stat(m.output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_FlagsAndVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &stdout, &stderr))
	assert.Equal(t, "fanctl dev\n", stdout.String())

	stderr.Reset()
	require.NoError(t, run([]string{"--help"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--print-mapping")

	err := run([]string{"extra"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))

	err = run([]string{"--no-such-flag"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestNewLoggerVerbosity(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(&buf, 0)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger = newLogger(&buf, 7)
	logger.Debug("debug record")
	assert.Contains(t, buf.String(), "debug record")
}
