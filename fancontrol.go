package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// DefaultOutputPath is where fancontrol reads its configuration.
	DefaultOutputPath = "/etc/fancontrol"

	// ConsoleSentinel as output path writes to stdout.
	ConsoleSentinel = "-"

	// DefaultInterval is the fancontrol polling interval in seconds.
	DefaultInterval = 10

	fingerprintPrefix = "# fingerprint: "
)

// ControlPlan is a control with resolved attribute paths and effective limits.
type ControlPlan struct {
	// Name is the logical name of the pwm channel
	Name string

	// PWM, Temp and Fan are relative to the hwmon class, e.g. "hwmon2/pwm1"
	PWM  string
	Temp string
	Fan  string

	// Driver is the driver of the pwm device, used to pick a profile
	Driver string

	Limits Limits
}

// BuildPlan resolves the controls of cfg against mapping and fills unset
// limits from profiles. Controls whose pwm device was skipped are dropped.
func BuildPlan(cfg *Config, mapping *ResolvedMapping, profiles *ProfileManager, logger *slog.Logger) ([]ControlPlan, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var plans []ControlPlan
	for _, control := range cfg.Controls {
		pwmDevice, pwm, ok := mapping.Channel(control.PWM)
		if !ok {
			logger.Info("skipping control, pwm device not present", "pwm", control.PWM)
			continue
		}
		_, temp, ok := mapping.Channel(control.Temp)
		if !ok {
			return nil, fmt.Errorf("control %s: temp %s is not resolved", control.PWM, control.Temp)
		}

		plan := ControlPlan{
			Name:   control.PWM,
			PWM:    pwm.Path,
			Temp:   temp.Path,
			Driver: pwmDevice.Driver,
			Limits: control.Limits,
		}
		if control.Fan != "" {
			_, fan, ok := mapping.Channel(control.Fan)
			if !ok {
				return nil, fmt.Errorf("control %s: fan %s is not resolved", control.PWM, control.Fan)
			}
			plan.Fan = fan.Path
		}

		if profile := profiles.ApplyDefaults(&plan); profile != "" {
			logger.Debug("applied profile defaults", "pwm", control.PWM, "profile", profile)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Rendered is a generated fancontrol configuration.
type Rendered struct {
	Data        []byte
	Fingerprint string
}

// RenderFancontrol produces the fancontrol configuration for the plans.
// The fingerprint covers everything after the header, so it changes
// whenever the mapping or any limit changes.
func RenderFancontrol(mapping *ResolvedMapping, plans []ControlPlan, interval int) *Rendered {
	if interval <= 0 {
		interval = DefaultInterval
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "INTERVAL=%d\n", interval)

	devices := referencedDevices(mapping, plans)
	var devpath, devname []string
	for _, device := range devices {
		if device.DevPath != "" {
			devpath = append(devpath, device.Hwmon+"="+device.DevPath)
		}
		devname = append(devname, device.Hwmon+"="+device.Driver)
	}
	writeEntry(&body, "DEVPATH", devpath)
	writeEntry(&body, "DEVNAME", devname)

	entries := func(value func(p ControlPlan) string) []string {
		var out []string
		for _, p := range plans {
			if v := value(p); v != "" {
				out = append(out, p.PWM+"="+v)
			}
		}
		return out
	}
	itoa := func(v *int) string {
		if v == nil {
			return ""
		}
		return strconv.Itoa(*v)
	}
	index := func(r []int, i int) string {
		if len(r) != 2 {
			return ""
		}
		return strconv.Itoa(r[i])
	}

	writeEntry(&body, "FCTEMPS", entries(func(p ControlPlan) string { return p.Temp }))
	writeEntry(&body, "FCFANS", entries(func(p ControlPlan) string { return p.Fan }))
	writeEntry(&body, "MINTEMP", entries(func(p ControlPlan) string { return index(p.Limits.Temp, 0) }))
	writeEntry(&body, "MAXTEMP", entries(func(p ControlPlan) string { return index(p.Limits.Temp, 1) }))
	writeEntry(&body, "MINSTART", entries(func(p ControlPlan) string { return itoa(p.Limits.Start) }))
	writeEntry(&body, "MINSTOP", entries(func(p ControlPlan) string { return itoa(p.Limits.Stop) }))
	writeEntry(&body, "MINPWM", entries(func(p ControlPlan) string { return index(p.Limits.PWM, 0) }))
	writeEntry(&body, "MAXPWM", entries(func(p ControlPlan) string { return index(p.Limits.PWM, 1) }))

	fingerprint := Fingerprint(body.Bytes())

	var out bytes.Buffer
	out.WriteString("# Generated by fanctl. Do not edit, changes are overwritten on boot.\n")
	out.WriteString(fingerprintPrefix + fingerprint + "\n")
	out.Write(body.Bytes())

	return &Rendered{Data: out.Bytes(), Fingerprint: fingerprint}
}

func writeEntry(w *bytes.Buffer, key string, values []string) {
	w.WriteString(key + "=" + strings.Join(values, " ") + "\n")
}

// referencedDevices returns the hwmon devices used by any plan, ordered
// by hwmon index. Logical devices sharing an hwmon entry appear once.
func referencedDevices(mapping *ResolvedMapping, plans []ControlPlan) []ResolvedDevice {
	used := make(map[string]bool)
	for _, p := range plans {
		for _, attr := range []string{p.PWM, p.Temp, p.Fan} {
			if hwmon, _, ok := strings.Cut(attr, "/"); ok {
				used[hwmon] = true
			}
		}
	}

	seen := make(map[string]bool)
	var devices []ResolvedDevice
	for _, device := range mapping.Devices {
		if used[device.Hwmon] && !seen[device.Hwmon] {
			seen[device.Hwmon] = true
			devices = append(devices, device)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return hwmonIndex(devices[i].Hwmon) < hwmonIndex(devices[j].Hwmon)
	})
	return devices
}

func hwmonIndex(hwmon string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(hwmon, "hwmon"))
	if err != nil {
		return -1
	}
	return n
}

// Fingerprint returns the hex BLAKE3 digest of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadFingerprint returns the fingerprint recorded in an existing
// fancontrol file, provided the body after the header still hashes to
// it. A missing file, a missing header or an edited body yields "".
func ReadFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	recorded := ""
	rest := data
	for len(rest) > 0 && rest[0] == '#' {
		line, next, _ := bytes.Cut(rest, []byte("\n"))
		if fp, ok := strings.CutPrefix(string(line), fingerprintPrefix); ok {
			recorded = strings.TrimSpace(fp)
		}
		rest = next
	}
	if recorded == "" || Fingerprint(rest) != recorded {
		return "", nil
	}
	return recorded, nil
}

// WriteFancontrol writes rendered to dest, or to stdout when dest is the
// console sentinel. A file already carrying the same fingerprint is left
// untouched unless force is set. It reports whether anything was written.
func WriteFancontrol(dest string, rendered *Rendered, force bool, stdout io.Writer) (bool, error) {
	if dest == ConsoleSentinel {
		if _, err := stdout.Write(rendered.Data); err != nil {
			return false, &OutputError{Path: "stdout", Err: err}
		}
		return true, nil
	}

	if !force {
		existing, err := ReadFingerprint(dest)
		if err != nil {
			return false, &OutputError{Path: dest, Err: err}
		}
		if existing == rendered.Fingerprint {
			return false, nil
		}
	}

	if err := writeFileAtomic(dest, rendered.Data); err != nil {
		return false, &OutputError{Path: dest, Err: err}
	}
	return true, nil
}

// writeFileAtomic replaces path with data via temp file + rename, so
// fancontrol never reads a half-written configuration.
func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".fancontrol-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	success = true
	return nil
}
