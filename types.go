package main

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the root of a fanctl configuration file.
// It declares the logical hwmon devices the machine is expected to have,
// their channels, and how fancontrol should drive each PWM output.
type Config struct {
	// Interval is the fancontrol polling interval in seconds. If omitted, set to 10.
	Interval int `yaml:"interval,omitempty"`

	// MatchOrder is the priority in which device match keys narrow the candidate set.
	// Valid values: "driver", "label", "devpath". If omitted, that order is used.
	MatchOrder []MatchKey `yaml:"matchOrder,omitempty"`

	// Devices is the list of logical hwmon devices. Must contain at least one device.
	Devices []DeviceConfig `yaml:"devices"`

	// Controls bind a PWM output to the temperature input (and optionally the fan
	// tachometer) that fancontrol uses to drive it.
	Controls []ControlConfig `yaml:"controls,omitempty"`
}

// DeviceConfig is a logical hwmon device. The match attributes identify the
// physical device regardless of which hwmonN index the kernel assigned this boot.
type DeviceConfig struct {
	// Name is the logical device name, unique across the configuration
	Name string `yaml:"name"`

	// Match holds the identity attributes. At least one must be set.
	Match MatchConfig `yaml:"match"`

	// Optional devices that are absent are left out of the mapping instead of
	// failing the run. Ambiguous optional devices still fail.
	Optional bool `yaml:"optional,omitempty"`

	// Channels are the sensor inputs and PWM outputs used from this device
	Channels []ChannelConfig `yaml:"channels"`
}

// MatchConfig holds the identity attributes of a logical device.
type MatchConfig struct {
	// Driver is the hwmon "name" attribute (e.g. "coretemp", "nct6775")
	Driver string `yaml:"driver,omitempty"`

	// Label is the hwmon "label" attribute, exposed by some drivers
	Label string `yaml:"label,omitempty"`

	// DevPath is a glob matched against the parent device path relative to
	// the sysfs root (e.g. "devices/platform/nct6775.*")
	DevPath string `yaml:"devpath,omitempty"`
}

// ChannelConfig is a logical channel of a device.
// A channel is located by its kernel index, its label, or both.
type ChannelConfig struct {
	// Name is the logical channel name, unique across the configuration
	Name string `yaml:"name"`

	// Kind is the channel type. Valid values: "temp", "fan", "pwm"
	Kind ChannelKind `yaml:"kind"`

	// Index is the kernel channel number (1 for temp1_input). Zero means unset.
	Index int `yaml:"index,omitempty"`

	// Label is the expected contents of the <kind><index>_label attribute
	Label string `yaml:"label,omitempty"`

	// Group lets channels that carry the same non-empty group resolve to the
	// same physical channel. Channels without a group never share one.
	Group string `yaml:"group,omitempty"`
}

// ControlConfig binds a PWM output to its inputs and limits.
type ControlConfig struct {
	// PWM is the logical name of a pwm channel (required)
	PWM string `yaml:"pwm"`

	// Temp is the logical name of a temp channel (required)
	Temp string `yaml:"temp"`

	// Fan is the logical name of a fan channel. Optional.
	Fan string `yaml:"fan,omitempty"`

	// Limits are the fancontrol limits for this output
	Limits Limits `yaml:"limits"`
}

// Limits are the per-output fancontrol limits.
// Unset start, stop and pwm values are filled from driver profiles.
type Limits struct {
	// Temp is [MINTEMP, MAXTEMP] in degrees Celsius (required)
	Temp []int `yaml:"temp"`

	// Start is the PWM value at which a stopped fan starts spinning (MINSTART)
	Start *int `yaml:"start,omitempty"`

	// Stop is the PWM value at which a spinning fan stops (MINSTOP)
	Stop *int `yaml:"stop,omitempty"`

	// PWM is [MINPWM, MAXPWM]
	PWM []int `yaml:"pwm,omitempty"`
}

// ChannelKind is the type of a hwmon channel.
type ChannelKind string

const (
	KindTemp ChannelKind = "temp"
	KindFan  ChannelKind = "fan"
	KindPWM  ChannelKind = "pwm"
)

// UnmarshalYAML normalises the kind. Unknown kinds are rejected by
// ChannelConfig.Validate so the error names the channel.
func (k *ChannelKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*k = ChannelKind(strings.ToLower(strings.TrimSpace(raw)))
	return nil
}

// ParseChannelKind converts a string into a ChannelKind.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch kind := ChannelKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case KindTemp, KindFan, KindPWM:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid channel kind %q (must be temp, fan or pwm)", s)
	}
}

// Attribute returns the hwmon attribute fancontrol uses for this kind of
// channel: the input file for sensors and the raw duty cycle for pwm.
func (k ChannelKind) Attribute(index int) string {
	if k == KindPWM {
		return fmt.Sprintf("pwm%d", index)
	}
	return fmt.Sprintf("%s%d_input", k, index)
}

// MatchKey names a device identity attribute.
type MatchKey string

const (
	MatchDriver  MatchKey = "driver"
	MatchLabel   MatchKey = "label"
	MatchDevPath MatchKey = "devpath"
)

// DefaultMatchOrder narrows by driver first, then label, then device path.
var DefaultMatchOrder = []MatchKey{MatchDriver, MatchLabel, MatchDevPath}

// Keys returns the declared match keys.
func (m MatchConfig) Keys() []MatchKey {
	var keys []MatchKey
	if m.Driver != "" {
		keys = append(keys, MatchDriver)
	}
	if m.Label != "" {
		keys = append(keys, MatchLabel)
	}
	if m.DevPath != "" {
		keys = append(keys, MatchDevPath)
	}
	return keys
}

// Value returns the declared value for a key, or "" if not set.
func (m MatchConfig) Value(key MatchKey) string {
	switch key {
	case MatchDriver:
		return m.Driver
	case MatchLabel:
		return m.Label
	case MatchDevPath:
		return m.DevPath
	}
	return ""
}

func (m MatchConfig) String() string {
	var parts []string
	for _, key := range DefaultMatchOrder {
		if v := m.Value(key); v != "" {
			parts = append(parts, string(key)+"="+v)
		}
	}
	return strings.Join(parts, ",")
}

// Custom validation functions

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName validates a logical name: alphanumeric characters, dashes and underscores.
// Names end up as keys in the generated output, so whitespace is not allowed.
func ValidateName(value string) error {
	if value == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(value) {
		return fmt.Errorf("name must contain only alphanumeric characters, dashes, and underscores: %s", value)
	}
	return nil
}

// ValidateMatchOrder checks that every key is known and listed once.
func ValidateMatchOrder(order []MatchKey) error {
	seen := make(map[MatchKey]bool)
	for _, key := range order {
		switch key {
		case MatchDriver, MatchLabel, MatchDevPath:
		default:
			return fmt.Errorf("unknown match key %q", key)
		}
		if seen[key] {
			return fmt.Errorf("duplicate match key %q", key)
		}
		seen[key] = true
	}
	return nil
}

// Validate checks the identity attributes of a device.
func (m MatchConfig) Validate() error {
	if len(m.Keys()) == 0 {
		return fmt.Errorf("at least one of driver, label or devpath must be set")
	}
	if m.DevPath != "" {
		if _, err := path.Match(m.DevPath, ""); err != nil {
			return fmt.Errorf("invalid devpath pattern %q: %w", m.DevPath, err)
		}
	}
	return nil
}

// Validate checks a single channel declaration.
func (c *ChannelConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.Kind == "" {
		return fmt.Errorf("channel kind is required (temp, fan or pwm)")
	}
	if _, err := ParseChannelKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Index < 0 {
		return fmt.Errorf("channel index must be positive, got %d", c.Index)
	}
	if c.Index == 0 && c.Label == "" {
		return fmt.Errorf("channel must set index or label")
	}
	if c.Group != "" {
		if err := ValidateName(c.Group); err != nil {
			return fmt.Errorf("invalid group: %w", err)
		}
	}
	return nil
}

// Validate checks a limits block. Unset optional values are not an error.
func (l *Limits) Validate() error {
	if len(l.Temp) != 2 {
		return fmt.Errorf("temp limits must be [min, max]")
	}
	if l.Temp[0] >= l.Temp[1] {
		return fmt.Errorf("temp limits min %d must be lower than max %d", l.Temp[0], l.Temp[1])
	}
	if l.Start != nil && (*l.Start < 0 || *l.Start > 255) {
		return fmt.Errorf("start must be in 0..255, got %d", *l.Start)
	}
	if l.Stop != nil && (*l.Stop < 0 || *l.Stop > 255) {
		return fmt.Errorf("stop must be in 0..255, got %d", *l.Stop)
	}
	if l.PWM != nil {
		if err := validatePWMRange(l.PWM); err != nil {
			return err
		}
	}
	return nil
}

func validatePWMRange(r []int) error {
	if len(r) != 2 {
		return fmt.Errorf("pwm limits must be [min, max]")
	}
	if r[0] < 0 || r[1] > 255 || r[0] >= r[1] {
		return fmt.Errorf("pwm limits must satisfy 0 <= min < max <= 255, got [%d, %d]", r[0], r[1])
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration.
// The first violation is returned as a *ConfigError naming the offending entry.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return &ConfigError{Err: fmt.Errorf("devices must contain at least one device")}
	}
	if c.Interval < 0 {
		return &ConfigError{Entry: "interval", Err: fmt.Errorf("interval must be at least 1 second")}
	}
	if err := ValidateMatchOrder(c.MatchOrder); err != nil {
		return &ConfigError{Entry: "matchOrder", Err: err}
	}

	names := make(map[string]string)
	claim := func(name, entry string) error {
		if prev, ok := names[name]; ok {
			return &ConfigError{Entry: entry, Err: fmt.Errorf("duplicate logical name %q (first used by %s)", name, prev)}
		}
		names[name] = entry
		return nil
	}

	usedKeys := make(map[MatchKey]bool)
	for i := range c.Devices {
		device := &c.Devices[i]
		entry := fmt.Sprintf("devices[%d]", i)
		if device.Name != "" {
			entry += fmt.Sprintf(" (%s)", device.Name)
		}
		if err := ValidateName(device.Name); err != nil {
			return &ConfigError{Entry: entry, Err: err}
		}
		if err := claim(device.Name, entry); err != nil {
			return err
		}
		if err := device.Match.Validate(); err != nil {
			return &ConfigError{Entry: entry, Err: err}
		}
		for _, key := range device.Match.Keys() {
			usedKeys[key] = true
		}
		if len(device.Channels) == 0 {
			return &ConfigError{Entry: entry, Err: fmt.Errorf("device must declare at least one channel")}
		}

		for j := range device.Channels {
			channel := &device.Channels[j]
			channelEntry := fmt.Sprintf("devices[%d].channels[%d]", i, j)
			if channel.Name != "" {
				channelEntry += fmt.Sprintf(" (%s)", channel.Name)
			}
			if err := channel.Validate(); err != nil {
				return &ConfigError{Entry: channelEntry, Err: err}
			}
			if err := claim(channel.Name, channelEntry); err != nil {
				return err
			}
		}
	}

	// An explicit order must rank every key a device declares.
	if len(c.MatchOrder) > 0 {
		ranked := make(map[MatchKey]bool)
		for _, key := range c.MatchOrder {
			ranked[key] = true
		}
		for _, key := range DefaultMatchOrder {
			if usedKeys[key] && !ranked[key] {
				return &ConfigError{Entry: "matchOrder", Err: fmt.Errorf("match key %q is used by a device but not listed", key)}
			}
		}
	}

	channels := c.channelIndex()
	driven := make(map[string]int)
	for i := range c.Controls {
		control := &c.Controls[i]
		entry := fmt.Sprintf("controls[%d]", i)
		if control.PWM != "" {
			entry += fmt.Sprintf(" (%s)", control.PWM)
		}
		refs := []struct {
			field    string
			name     string
			kind     ChannelKind
			required bool
		}{
			{"pwm", control.PWM, KindPWM, true},
			{"temp", control.Temp, KindTemp, true},
			{"fan", control.Fan, KindFan, false},
		}
		for _, ref := range refs {
			if ref.name == "" {
				if ref.required {
					return &ConfigError{Entry: entry, Err: fmt.Errorf("%s is required", ref.field)}
				}
				continue
			}
			ch, ok := channels[ref.name]
			if !ok {
				return &ConfigError{Entry: entry, Err: fmt.Errorf("%s references unknown channel %q", ref.field, ref.name)}
			}
			if ch.Kind != ref.kind {
				return &ConfigError{Entry: entry, Err: fmt.Errorf("%s references %q which is a %s channel", ref.field, ref.name, ch.Kind)}
			}
		}
		if prev, ok := driven[control.PWM]; ok {
			return &ConfigError{Entry: entry, Err: fmt.Errorf("pwm %q is already driven by controls[%d]", control.PWM, prev)}
		}
		driven[control.PWM] = i
		if err := control.Limits.Validate(); err != nil {
			return &ConfigError{Entry: entry, Err: fmt.Errorf("invalid limits: %w", err)}
		}
	}

	return nil
}

// EffectiveMatchOrder returns the configured match order, or the default one.
func (c *Config) EffectiveMatchOrder() []MatchKey {
	if len(c.MatchOrder) > 0 {
		return c.MatchOrder
	}
	return DefaultMatchOrder
}

// channelRef locates a channel declaration within the configuration.
type channelRef struct {
	Device *DeviceConfig
	*ChannelConfig
}

func (c *Config) channelIndex() map[string]channelRef {
	index := make(map[string]channelRef)
	for i := range c.Devices {
		device := &c.Devices[i]
		for j := range device.Channels {
			index[device.Channels[j].Name] = channelRef{Device: device, ChannelConfig: &device.Channels[j]}
		}
	}
	return index
}

// String methods for pretty printing

func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("fanctl configuration:\n")
	sb.WriteString(fmt.Sprintf("  Devices: %d\n", len(c.Devices)))
	sb.WriteString(fmt.Sprintf("  Controls: %d\n", len(c.Controls)))
	order := make([]string, 0, len(c.EffectiveMatchOrder()))
	for _, key := range c.EffectiveMatchOrder() {
		order = append(order, string(key))
	}
	sb.WriteString(fmt.Sprintf("  Match order: %s\n", strings.Join(order, " > ")))
	return sb.String()
}

func (d *DeviceConfig) String() string {
	required := "required"
	if d.Optional {
		required = "optional"
	}
	return fmt.Sprintf("Device %s (Match: %s, %s, Channels: %d)",
		d.Name, d.Match.String(), required, len(d.Channels))
}

// Profile system types

// ProfileInfo contains metadata about a driver profile
type ProfileInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Vendor      string `yaml:"vendor,omitempty"`
}

// ProfileDefaults are the limits a profile supplies when a control leaves them unset
type ProfileDefaults struct {
	Start *int  `yaml:"start,omitempty"`
	Stop  *int  `yaml:"stop,omitempty"`
	PWM   []int `yaml:"pwm,omitempty"`
}

// DriverProfile represents a complete driver profile file
type DriverProfile struct {
	ProfileInfo ProfileInfo `yaml:"profileInfo"`

	// Drivers are the hwmon "name" values this profile applies to
	Drivers []string `yaml:"drivers"`

	Defaults ProfileDefaults `yaml:"defaults"`
	Notes    string          `yaml:"notes,omitempty"`
}

// ProfileManager handles loading and applying driver profile defaults
type ProfileManager struct {
	profiles map[string]*DriverProfile
	byDriver map[string]*DriverProfile
}
