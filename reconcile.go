package main

import (
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ResolvedMapping binds every logical channel to a physical channel for
// one run. Devices appear in configuration order.
type ResolvedMapping struct {
	Devices []ResolvedDevice `yaml:"devices"`

	// Skipped lists the optional devices that were absent
	Skipped []string `yaml:"skipped,omitempty"`
}

// ResolvedDevice is a logical device bound to the hwmon entry it matched.
type ResolvedDevice struct {
	Name     string            `yaml:"name"`
	Hwmon    string            `yaml:"hwmon"`
	Driver   string            `yaml:"driver"`
	DevPath  string            `yaml:"devpath,omitempty"`
	Channels []ResolvedChannel `yaml:"channels"`
}

// ResolvedChannel is a logical channel bound to a physical attribute.
type ResolvedChannel struct {
	Name  string      `yaml:"name"`
	Kind  ChannelKind `yaml:"kind"`
	Index int         `yaml:"index"`
	Label string      `yaml:"label,omitempty"`

	// Path is the attribute relative to the hwmon class, e.g. "hwmon2/pwm1"
	Path  string `yaml:"path"`
	Group string `yaml:"group,omitempty"`
}

// Channel looks up a resolved channel by logical name.
func (m *ResolvedMapping) Channel(name string) (*ResolvedDevice, *ResolvedChannel, bool) {
	for i := range m.Devices {
		device := &m.Devices[i]
		for j := range device.Channels {
			if device.Channels[j].Name == name {
				return device, &device.Channels[j], true
			}
		}
	}
	return nil, nil, false
}

// IsSkipped reports whether the named logical device was absent and optional.
func (m *ResolvedMapping) IsSkipped(device string) bool {
	for _, name := range m.Skipped {
		if name == device {
			return true
		}
	}
	return false
}

// YAML renders the mapping. Identical mappings render identical bytes.
func (m *ResolvedMapping) YAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// Reconciler matches logical devices against a hardware snapshot.
// Reconcile reads nothing but its arguments.
type Reconciler struct {
	Logger *slog.Logger
}

// Reconcile resolves every logical device of cfg against snapshot.
// Every device is examined so that all problems are reported together;
// if any is fatal a *ReconciliationError is returned and no mapping.
func (r *Reconciler) Reconcile(cfg *Config, snapshot []PhysicalDevice) (*ResolvedMapping, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	order := cfg.EffectiveMatchOrder()

	mapping := &ResolvedMapping{}
	var failures []Failure

	for i := range cfg.Devices {
		device := &cfg.Devices[i]
		candidates, detail := matchDevice(device.Match, snapshot, order)

		switch {
		case len(candidates) == 0:
			if device.Optional {
				logger.Info("optional device not present, skipping",
					"device", device.Name, "match", device.Match.String(), "detail", detail)
				mapping.Skipped = append(mapping.Skipped, device.Name)
				continue
			}
			failures = append(failures, Failure{
				Device: device.Name,
				Reason: ReasonAbsent,
				Detail: detail,
			})
			continue

		case len(candidates) > 1:
			names := make([]string, 0, len(candidates))
			for _, c := range candidates {
				names = append(names, c.String())
			}
			failures = append(failures, Failure{
				Device:     device.Name,
				Reason:     ReasonAmbiguous,
				Candidates: names,
				Detail:     fmt.Sprintf("%s matched %d devices", device.Match.String(), len(candidates)),
			})
			continue
		}

		physical := candidates[0]
		logger.Info("device matched", "device", device.Name, "hwmon", physical.Hwmon, "driver", physical.Driver)

		resolved, channelFailures := resolveChannels(device, physical)
		if len(channelFailures) > 0 {
			failures = append(failures, channelFailures...)
			continue
		}
		mapping.Devices = append(mapping.Devices, resolved)
	}

	failures = append(failures, findConflicts(mapping)...)
	failures = append(failures, findUnboundControls(cfg, mapping)...)

	if len(failures) > 0 {
		return nil, &ReconciliationError{Failures: failures}
	}
	return mapping, nil
}

// matchDevice narrows snapshot by every declared key, ranked by order.
// When no device survives, detail names the key that eliminated the
// last candidates.
func matchDevice(match MatchConfig, snapshot []PhysicalDevice, order []MatchKey) ([]PhysicalDevice, string) {
	candidates := snapshot
	narrowed := false
	for _, key := range rankKeys(match.Keys(), order) {
		want := match.Value(key)
		var next []PhysicalDevice
		for _, c := range candidates {
			if matchAttribute(key, want, c.Attribute(key)) {
				next = append(next, c)
			}
		}
		if len(next) == 0 {
			if narrowed {
				return nil, fmt.Sprintf("%s=%s matched none of %d remaining candidates", key, want, len(candidates))
			}
			return nil, fmt.Sprintf("no device with %s=%s", key, want)
		}
		candidates = next
		narrowed = true
	}
	return candidates, ""
}

// rankKeys sorts declared by their position in order. Keys missing from
// order are applied last, so no declared key is ever ignored.
func rankKeys(declared, order []MatchKey) []MatchKey {
	ranked := make([]MatchKey, 0, len(declared))
	used := make(map[MatchKey]bool, len(declared))
	for _, key := range order {
		if slices.Contains(declared, key) && !used[key] {
			ranked = append(ranked, key)
			used[key] = true
		}
	}
	for _, key := range declared {
		if !used[key] {
			ranked = append(ranked, key)
			used[key] = true
		}
	}
	return ranked
}

func matchAttribute(key MatchKey, want, got string) bool {
	if got == "" {
		return false
	}
	if key == MatchDevPath {
		ok, err := path.Match(want, got)
		return err == nil && ok
	}
	return want == got
}

// resolveChannels binds each declared channel of device to a channel of
// the physical device it matched.
func resolveChannels(device *DeviceConfig, physical PhysicalDevice) (ResolvedDevice, []Failure) {
	resolved := ResolvedDevice{
		Name:    device.Name,
		Hwmon:   physical.Hwmon,
		Driver:  physical.Driver,
		DevPath: physical.DevPath,
	}
	var failures []Failure

	for _, ch := range device.Channels {
		found := physical.FindChannels(ch.Kind, ch.Index, ch.Label)
		switch len(found) {
		case 1:
			resolved.Channels = append(resolved.Channels, ResolvedChannel{
				Name:  ch.Name,
				Kind:  ch.Kind,
				Index: found[0].Index,
				Label: found[0].Label,
				Path:  physical.Hwmon + "/" + found[0].Attribute,
				Group: ch.Group,
			})
		case 0:
			failures = append(failures, Failure{
				Device:  device.Name,
				Channel: ch.Name,
				Reason:  ReasonPartial,
				Detail:  describeMissingChannel(ch, physical),
			})
		default:
			names := make([]string, 0, len(found))
			for _, f := range found {
				names = append(names, physical.Hwmon+"/"+f.Attribute)
			}
			failures = append(failures, Failure{
				Device:     device.Name,
				Channel:    ch.Name,
				Reason:     ReasonAmbiguous,
				Candidates: names,
				Detail:     fmt.Sprintf("%d %s channels labelled %q", len(found), ch.Kind, ch.Label),
			})
		}
	}
	return resolved, failures
}

func describeMissingChannel(ch ChannelConfig, physical PhysicalDevice) string {
	if ch.Index != 0 {
		byIndex := physical.FindChannels(ch.Kind, ch.Index, "")
		if len(byIndex) == 1 && ch.Label != "" {
			return fmt.Sprintf("%s/%s%d is labelled %q, expected %q",
				physical.Hwmon, ch.Kind, ch.Index, byIndex[0].Label, ch.Label)
		}
		return fmt.Sprintf("%s has no %s%d channel", physical.String(), ch.Kind, ch.Index)
	}
	return fmt.Sprintf("%s has no %s channel labelled %q", physical.String(), ch.Kind, ch.Label)
}

// findConflicts reports physical attributes claimed by more than one
// logical channel, unless all claimants share the same non-empty group.
func findConflicts(mapping *ResolvedMapping) []Failure {
	type owner struct {
		device  string
		channel string
		group   string
	}
	owners := make(map[string][]owner)
	var paths []string
	for _, device := range mapping.Devices {
		for _, ch := range device.Channels {
			if _, ok := owners[ch.Path]; !ok {
				paths = append(paths, ch.Path)
			}
			owners[ch.Path] = append(owners[ch.Path], owner{device.Name, ch.Name, ch.Group})
		}
	}

	var failures []Failure
	for _, p := range paths {
		claimants := owners[p]
		if len(claimants) < 2 {
			continue
		}
		first := claimants[0]
		for _, other := range claimants[1:] {
			if first.group != "" && other.group == first.group {
				continue
			}
			failures = append(failures, Failure{
				Device:     other.device,
				Channel:    other.channel,
				Reason:     ReasonConflict,
				Candidates: []string{first.device + "/" + first.channel, other.device + "/" + other.channel},
				Detail:     fmt.Sprintf("%s is already bound to %s", p, first.channel),
			})
		}
	}
	return failures
}

// findUnboundControls reports controls whose pwm output resolved while
// an input sits on a skipped optional device. Controls on a skipped pwm
// device are dropped later by BuildPlan.
func findUnboundControls(cfg *Config, mapping *ResolvedMapping) []Failure {
	channels := cfg.channelIndex()
	var failures []Failure
	for _, control := range cfg.Controls {
		pwmDevice, _, ok := mapping.Channel(control.PWM)
		if !ok {
			continue
		}
		var missing []string
		for _, input := range []string{control.Temp, control.Fan} {
			if input == "" {
				continue
			}
			ref, ok := channels[input]
			if ok && mapping.IsSkipped(ref.Device.Name) {
				missing = append(missing, fmt.Sprintf("%s (device %s not present)", input, ref.Device.Name))
			}
		}
		if len(missing) > 0 {
			failures = append(failures, Failure{
				Device:  pwmDevice.Name,
				Channel: control.PWM,
				Reason:  ReasonUnbound,
				Detail:  "control inputs unresolved: " + strings.Join(missing, ", "),
			})
		}
	}
	return failures
}
