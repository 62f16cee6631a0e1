package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSyntheticFile creates a file at the given path within root,
// creating parent directories as needed.
func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, []byte(content), 0o644))
}

// syntheticHwmon describes an hwmon entry in a fake sysfs tree.
type syntheticHwmon struct {
	index   int
	driver  string
	label   string
	devpath string            // parent device, relative to root; "" for virtual
	attrs   map[string]string // attribute file -> content
}

// addSyntheticHwmon lays out an hwmon entry the way the kernel does:
// the real directory lives under the parent device, class/hwmon holds a
// symlink to it, and the entry links back to its parent as "device".
func addSyntheticHwmon(t *testing.T, root string, h syntheticHwmon) {
	t.Helper()
	name := "hwmon" + strconv.Itoa(h.index)

	parent := filepath.Join("devices", "virtual")
	if h.devpath != "" {
		parent = h.devpath
	}
	realDir := filepath.Join(parent, "hwmon", name)
	require.NoError(t, os.MkdirAll(filepath.Join(root, realDir), 0o755))

	if h.driver != "" {
		writeSyntheticFile(t, root, filepath.Join(realDir, "name"), h.driver+"\n")
	}
	if h.label != "" {
		writeSyntheticFile(t, root, filepath.Join(realDir, "label"), h.label+"\n")
	}
	for attr, content := range h.attrs {
		writeSyntheticFile(t, root, filepath.Join(realDir, attr), content)
	}
	if h.devpath != "" {
		require.NoError(t, os.Symlink("../..", filepath.Join(root, realDir, "device")))
	}

	classDir := filepath.Join(root, "class", "hwmon")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	require.NoError(t, os.Symlink(filepath.Join("..", "..", realDir), filepath.Join(classDir, name)))
}

func TestSnapshotFromSyntheticFS(t *testing.T) {
	root := t.TempDir()

	addSyntheticHwmon(t, root, syntheticHwmon{
		index:   10,
		driver:  "nct6775",
		devpath: "devices/platform/nct6775.656",
		attrs: map[string]string{
			"temp1_input":  "34000\n",
			"temp1_label":  "SYSTIN\n",
			"fan2_input":   "1200\n",
			"fan2_min":     "0\n",
			"pwm2":         "128\n",
			"pwm2_enable":  "1\n",
			"pwm2_mode":    "1\n",
			"in0_input":    "1024\n",
			"intrusion0_a": "0\n",
		},
	})
	addSyntheticHwmon(t, root, syntheticHwmon{
		index:   2,
		driver:  "coretemp",
		devpath: "devices/platform/coretemp.0",
		attrs: map[string]string{
			"temp1_input": "45000\n",
			"temp1_label": "Package id 0\n",
			"temp2_input": "44000\n",
			"temp2_label": "Core 0\n",
		},
	})
	addSyntheticHwmon(t, root, syntheticHwmon{
		index:  0,
		driver: "acpitz",
		label:  "thermal zone",
		attrs:  map[string]string{"temp1_input": "27800\n"},
	})
	// Entries without a name attribute are ignored.
	addSyntheticHwmon(t, root, syntheticHwmon{index: 5})

	enumerator := &Enumerator{SysRoot: root}
	devices, err := enumerator.Snapshot()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	// Sorted numerically, so hwmon10 comes last.
	assert.Equal(t, "hwmon0", devices[0].Hwmon)
	assert.Equal(t, "hwmon2", devices[1].Hwmon)
	assert.Equal(t, "hwmon10", devices[2].Hwmon)

	acpi := devices[0]
	assert.Equal(t, "acpitz", acpi.Driver)
	assert.Equal(t, "thermal zone", acpi.Label)
	assert.Empty(t, acpi.DevPath)

	coretemp := devices[1]
	assert.Equal(t, "devices/platform/coretemp.0", coretemp.DevPath)
	require.Len(t, coretemp.Channels, 2)
	assert.Equal(t, PhysicalChannel{Kind: KindTemp, Index: 1, Label: "Package id 0", Attribute: "temp1_input"}, coretemp.Channels[0])
	assert.Equal(t, "Core 0", coretemp.Channels[1].Label)

	nct := devices[2]
	assert.Equal(t, 10, nct.Index)
	assert.Equal(t, "devices/platform/nct6775.656", nct.DevPath)
	assert.Equal(t, []PhysicalChannel{
		{Kind: KindTemp, Index: 1, Label: "SYSTIN", Attribute: "temp1_input"},
		{Kind: KindFan, Index: 2, Attribute: "fan2_input"},
		{Kind: KindPWM, Index: 2, Attribute: "pwm2"},
	}, nct.Channels)
}

func TestSnapshotMissingClassDir(t *testing.T) {
	root := t.TempDir()

	_, err := (&Enumerator{SysRoot: root}).Snapshot()
	require.Error(t, err)

	var enumErr *EnumerationError
	require.True(t, errors.As(err, &enumErr))
	assert.Equal(t, filepath.Join(root, "class", "hwmon"), enumErr.Root)
	assert.Equal(t, exitEnumeration, enumErr.ExitCode())
}

func TestSnapshotEmptyClassDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "hwmon"), 0o755))

	devices, err := (&Enumerator{SysRoot: root}).Snapshot()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestSnapshotVerifySysfsRejectsPlainDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "hwmon"), 0o755))

	_, err := (&Enumerator{SysRoot: root, VerifySysfs: true}).Snapshot()
	var enumErr *EnumerationError
	require.ErrorAs(t, err, &enumErr)
}

func TestFindChannels(t *testing.T) {
	device := PhysicalDevice{
		Hwmon: "hwmon3",
		Channels: []PhysicalChannel{
			{Kind: KindTemp, Index: 1, Label: "CPUTIN", Attribute: "temp1_input"},
			{Kind: KindTemp, Index: 2, Label: "AUXTIN", Attribute: "temp2_input"},
			{Kind: KindTemp, Index: 3, Label: "AUXTIN", Attribute: "temp3_input"},
			{Kind: KindPWM, Index: 1, Attribute: "pwm1"},
		},
	}

	assert.Len(t, device.FindChannels(KindTemp, 1, ""), 1)
	assert.Len(t, device.FindChannels(KindTemp, 0, "CPUTIN"), 1)
	assert.Len(t, device.FindChannels(KindTemp, 0, "AUXTIN"), 2)
	assert.Len(t, device.FindChannels(KindTemp, 2, "AUXTIN"), 1)
	assert.Empty(t, device.FindChannels(KindTemp, 1, "AUXTIN"))
	assert.Empty(t, device.FindChannels(KindFan, 1, ""))
	assert.Len(t, device.FindChannels(KindPWM, 1, ""), 1)
}
