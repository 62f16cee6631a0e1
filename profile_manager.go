package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultProfilesDir holds the system driver profiles.
const DefaultProfilesDir = "/etc/fanctl/profiles.d"

// builtinDefaults apply when neither the control nor a profile sets a limit.
var builtinDefaults = ProfileDefaults{
	Start: intPtr(150),
	Stop:  intPtr(100),
	PWM:   []int{0, 255},
}

// NewProfileManager creates a new profile manager and loads all profiles from the profiles directory
func NewProfileManager(profilesDir string) (*ProfileManager, error) {
	pm := &ProfileManager{
		profiles: make(map[string]*DriverProfile),
		byDriver: make(map[string]*DriverProfile),
	}

	if err := pm.LoadProfiles(profilesDir); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	return pm, nil
}

// LoadProfiles loads all YAML profile files from the specified directory
func (pm *ProfileManager) LoadProfiles(profilesDir string) error {
	if profilesDir == "" {
		return nil
	}
	if _, err := os.Stat(profilesDir); os.IsNotExist(err) {
		// No profiles directory - not an error, just no driver defaults available
		return nil
	}

	files, err := os.ReadDir(profilesDir)
	if err != nil {
		return fmt.Errorf("failed to read profiles directory %s: %w", profilesDir, err)
	}

	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if !file.IsDir() && (ext == ".yaml" || ext == ".yml") {
			profilePath := filepath.Join(profilesDir, file.Name())
			if err := pm.LoadProfile(profilePath); err != nil {
				return fmt.Errorf("failed to load profile %s: %w", profilePath, err)
			}
		}
	}

	return nil
}

// LoadProfile loads a single profile file
func (pm *ProfileManager) LoadProfile(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile file: %w", err)
	}

	var profile DriverProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("failed to parse profile YAML: %w", err)
	}

	if profile.ProfileInfo.Name == "" {
		return fmt.Errorf("profile must have a name")
	}
	if len(profile.Drivers) == 0 {
		return fmt.Errorf("profile %s must list at least one driver", profile.ProfileInfo.Name)
	}
	if err := profile.Defaults.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", profile.ProfileInfo.Name, err)
	}
	for _, driver := range profile.Drivers {
		if other, ok := pm.byDriver[driver]; ok && other.ProfileInfo.Name != profile.ProfileInfo.Name {
			return fmt.Errorf("driver %s is claimed by profiles %s and %s",
				driver, other.ProfileInfo.Name, profile.ProfileInfo.Name)
		}
	}

	pm.profiles[profile.ProfileInfo.Name] = &profile
	for _, driver := range profile.Drivers {
		pm.byDriver[driver] = &profile
	}
	return nil
}

// GetProfile returns the profile for an hwmon driver name, or nil if none applies
func (pm *ProfileManager) GetProfile(driver string) *DriverProfile {
	return pm.byDriver[driver]
}

// ListProfiles returns the sorted names of all loaded profiles
func (pm *ProfileManager) ListProfiles() []string {
	names := make([]string, 0, len(pm.profiles))
	for name := range pm.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyDefaults fills the unset limits of a control plan. User settings take
// precedence, then the profile of the pwm device's driver, then built-in values.
// It returns the name of the profile consulted, or "" if none applied.
func (pm *ProfileManager) ApplyDefaults(plan *ControlPlan) string {
	layers := []ProfileDefaults{builtinDefaults}
	applied := ""
	if pm != nil {
		if profile := pm.GetProfile(plan.Driver); profile != nil {
			layers = append([]ProfileDefaults{profile.Defaults}, layers...)
			applied = profile.ProfileInfo.Name
		}
	}

	for _, defaults := range layers {
		if plan.Limits.Start == nil && defaults.Start != nil {
			plan.Limits.Start = intPtr(*defaults.Start)
		}
		if plan.Limits.Stop == nil && defaults.Stop != nil {
			plan.Limits.Stop = intPtr(*defaults.Stop)
		}
		if plan.Limits.PWM == nil && defaults.PWM != nil {
			plan.Limits.PWM = append([]int(nil), defaults.PWM...)
		}
	}
	return applied
}

// Validate checks the ranges of profile defaults.
func (d *ProfileDefaults) Validate() error {
	if d.Start != nil && (*d.Start < 0 || *d.Start > 255) {
		return fmt.Errorf("start must be in 0..255, got %d", *d.Start)
	}
	if d.Stop != nil && (*d.Stop < 0 || *d.Stop > 255) {
		return fmt.Errorf("stop must be in 0..255, got %d", *d.Stop)
	}
	if d.PWM != nil {
		return validatePWMRange(d.PWM)
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
