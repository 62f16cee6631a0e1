package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysRoot is where sysfs is mounted on a running system.
const DefaultSysRoot = "/sys"

// PhysicalDevice is an hwmon device discovered in the current snapshot.
type PhysicalDevice struct {
	// Hwmon is the class directory name assigned this boot, e.g. "hwmon3"
	Hwmon string `yaml:"hwmon"`

	// Index is the numeric part of Hwmon
	Index int `yaml:"index"`

	// Driver is the contents of the hwmon "name" attribute
	Driver string `yaml:"driver"`

	// Label is the contents of the optional hwmon "label" attribute
	Label string `yaml:"label,omitempty"`

	// DevPath is the parent device path relative to the sysfs root,
	// e.g. "devices/platform/nct6775.656". Empty for virtual devices.
	DevPath string `yaml:"devpath,omitempty"`

	Channels []PhysicalChannel `yaml:"channels,omitempty"`
}

// PhysicalChannel is a channel exposed by an hwmon device.
type PhysicalChannel struct {
	Kind  ChannelKind `yaml:"kind"`
	Index int         `yaml:"index"`
	Label string      `yaml:"label,omitempty"`

	// Attribute is the file fancontrol reads or writes, e.g. "temp1_input"
	Attribute string `yaml:"attribute"`
}

func (d PhysicalDevice) String() string {
	if d.DevPath == "" {
		return fmt.Sprintf("%s (%s)", d.Hwmon, d.Driver)
	}
	return fmt.Sprintf("%s (%s, %s)", d.Hwmon, d.Driver, d.DevPath)
}

// Attribute returns the value of a match key for this device.
func (d PhysicalDevice) Attribute(key MatchKey) string {
	switch key {
	case MatchDriver:
		return d.Driver
	case MatchLabel:
		return d.Label
	case MatchDevPath:
		return d.DevPath
	}
	return ""
}

// FindChannels returns the channels of the given kind selected by index
// and/or label. A zero index or an empty label does not constrain.
func (d PhysicalDevice) FindChannels(kind ChannelKind, index int, label string) []PhysicalChannel {
	var found []PhysicalChannel
	for _, ch := range d.Channels {
		if ch.Kind != kind {
			continue
		}
		if index != 0 && ch.Index != index {
			continue
		}
		if label != "" && ch.Label != label {
			continue
		}
		found = append(found, ch)
	}
	return found
}

// Enumerator takes snapshots of the hwmon class.
type Enumerator struct {
	// SysRoot is the sysfs mount point. Defaults to /sys.
	SysRoot string

	// VerifySysfs requires SysRoot to be a mounted sysfs.
	// Tests point SysRoot at a synthetic tree and leave this off.
	VerifySysfs bool

	Logger *slog.Logger
}

var (
	hwmonDirPattern  = regexp.MustCompile(`^hwmon([0-9]+)$`)
	channelPattern   = regexp.MustCompile(`^(temp|fan|pwm)([0-9]+)(?:_[a-z0-9_]+)?$`)
	channelKindOrder = map[ChannelKind]int{KindTemp: 0, KindFan: 1, KindPWM: 2}
)

// Snapshot enumerates the hwmon devices currently present, ordered by
// hwmon index. Entries without a "name" attribute are skipped.
func (e *Enumerator) Snapshot() ([]PhysicalDevice, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sysRoot := e.SysRoot
	if sysRoot == "" {
		sysRoot = DefaultSysRoot
	}
	classDir := filepath.Join(sysRoot, "class", "hwmon")

	if e.VerifySysfs {
		if err := verifySysfs(sysRoot); err != nil {
			return nil, &EnumerationError{Root: classDir, Err: err}
		}
	}

	// Device links are resolved against the real root so that DevPath
	// comes out relative even when SysRoot itself is a symlink.
	realRoot, err := filepath.EvalSymlinks(sysRoot)
	if err != nil {
		return nil, &EnumerationError{Root: classDir, Err: err}
	}

	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, &EnumerationError{Root: classDir, Err: err}
	}

	logger.Debug("scanning for hwmon devices", "dir", classDir)

	var devices []PhysicalDevice
	for _, entry := range entries {
		match := hwmonDirPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, _ := strconv.Atoi(match[1])
		hwmonDir := filepath.Join(classDir, entry.Name())

		driver := readSysfsString(filepath.Join(hwmonDir, "name"))
		if driver == "" {
			logger.Debug("skipping hwmon entry without name attribute", "hwmon", entry.Name())
			continue
		}

		channels, err := readChannels(hwmonDir)
		if err != nil {
			return nil, &EnumerationError{Root: classDir, Err: fmt.Errorf("%s: %w", entry.Name(), err)}
		}

		device := PhysicalDevice{
			Hwmon:    entry.Name(),
			Index:    index,
			Driver:   driver,
			Label:    readSysfsString(filepath.Join(hwmonDir, "label")),
			DevPath:  readDevPath(hwmonDir, realRoot),
			Channels: channels,
		}
		logger.Debug("found hwmon device",
			"hwmon", device.Hwmon,
			"driver", device.Driver,
			"devpath", device.DevPath,
			"channels", len(device.Channels))
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// readChannels lists the temp, fan and pwm channels of one hwmon
// directory. A channel exists as soon as any of its attributes does.
func readChannels(hwmonDir string) ([]PhysicalChannel, error) {
	entries, err := os.ReadDir(hwmonDir)
	if err != nil {
		return nil, err
	}

	type channelKey struct {
		kind  ChannelKind
		index int
	}
	seen := make(map[channelKey]bool)
	var channels []PhysicalChannel
	for _, entry := range entries {
		match := channelPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		key := channelKey{ChannelKind(match[1]), index}
		if seen[key] {
			continue
		}
		seen[key] = true
		channels = append(channels, PhysicalChannel{
			Kind:      key.kind,
			Index:     index,
			Label:     readSysfsString(filepath.Join(hwmonDir, fmt.Sprintf("%s%d_label", key.kind, index))),
			Attribute: key.kind.Attribute(index),
		})
	}

	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Kind != channels[j].Kind {
			return channelKindOrder[channels[i].Kind] < channelKindOrder[channels[j].Kind]
		}
		return channels[i].Index < channels[j].Index
	})
	return channels, nil
}

// readDevPath resolves the hwmon "device" link and returns it relative
// to the sysfs root, in the form fancontrol expects for DEVPATH.
func readDevPath(hwmonDir, realRoot string) string {
	target, err := filepath.EvalSymlinks(filepath.Join(hwmonDir, "device"))
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(realRoot, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// readSysfsString reads a single-line sysfs file and returns its
// trimmed content. Returns "" on any error.
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
