package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrPresetNotFound      = errors.New("preset not found")
	ErrPresetAlreadyActive = errors.New("preset already active")
)

type DeviceInfo struct {
	Model            string     `json:"model"`
	FirmwareVersion  string     `json:"firmware_version"`
	SerialNumber     string     `json:"serial_number"`
	ManufacturerDate string     `json:"manufacturer_date"`
	LastUpdate       string     `json:"last_update"`
	Specs            []SpecItem `json:"specs"`
}

type SpecItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func deviceInfo() DeviceInfo {
	return DeviceInfo{
		Model:            "SynqBox PoC-2025",
		FirmwareVersion:  "v1.2.3",
		SerialNumber:     "SB-2025-001337",
		ManufacturerDate: "January 2025",
		LastUpdate:       "2024-01-15",
		Specs: []SpecItem{
			{Label: "Processor", Value: "ARM Cortex-M7 @ 480MHz"},
			{Label: "Memory", Value: "16MB Flash, 1MB RAM"},
			{Label: "Connectivity", Value: "WiFi 6, Bluetooth 5.2"},
			{Label: "Storage", Value: "128GB SSD"},
			{Label: "Power", Value: "12V DC, 24W max"},
		},
	}
}

type DeviceSettings struct {
	AutoSync   bool `json:"auto_sync"`
	PowerSave  bool `json:"power_save"`
	Volume     int  `json:"volume" validate:"min=0,max=100"`
	Brightness int  `json:"brightness" validate:"min=0,max=100"`
}

type NetworkConfig struct {
	SSID     string `json:"ssid" validate:"required,max=32"`
	Password string `json:"password,omitempty" validate:"omitempty,min=8,max=63"`
}

type Preset struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// DeviceControls holds the user-adjustable device state. Every accepted
// change is recorded in the event log.
type DeviceControls struct {
	validate *validator.Validate
	events   *EventLog

	mu       sync.RWMutex
	settings DeviceSettings
	network  NetworkConfig
	presets  []Preset
}

func newDeviceControls(ssid string, events *EventLog) *DeviceControls {
	if ssid == "" {
		ssid = "SynqBox-Network"
	}
	return &DeviceControls{
		validate: validator.New(),
		events:   events,
		settings: DeviceSettings{AutoSync: true, Volume: 65, Brightness: 80},
		network:  NetworkConfig{SSID: ssid},
		presets: []Preset{
			{ID: 1, Name: "Gaming Mode", Description: "High performance, low latency"},
			{ID: 2, Name: "Work Mode", Description: "Balanced performance and efficiency", Active: true},
			{ID: 3, Name: "Sleep Mode", Description: "Minimal power consumption"},
		},
	}
}

func (c *DeviceControls) Settings() DeviceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *DeviceControls) UpdateSettings(next DeviceSettings) error {
	if err := c.validate.Struct(next); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	c.mu.Lock()
	prev := c.settings
	c.settings = next
	c.mu.Unlock()

	for _, change := range settingsChanges(prev, next) {
		c.events.Append("Settings Changed", change, StatusInfo)
	}
	return nil
}

func settingsChanges(prev, next DeviceSettings) []string {
	var changes []string
	if prev.AutoSync != next.AutoSync {
		changes = append(changes, "Auto Sync "+enabledWord(next.AutoSync)+" by user")
	}
	if prev.PowerSave != next.PowerSave {
		changes = append(changes, "Power Save "+enabledWord(next.PowerSave)+" by user")
	}
	if prev.Volume != next.Volume {
		changes = append(changes, fmt.Sprintf("Volume set to %d%%", next.Volume))
	}
	if prev.Brightness != next.Brightness {
		changes = append(changes, fmt.Sprintf("Brightness set to %d%%", next.Brightness))
	}
	return changes
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// Network returns the WiFi configuration without its password.
func (c *DeviceControls) Network() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NetworkConfig{SSID: c.network.SSID}
}

func (c *DeviceControls) SaveNetwork(cfg NetworkConfig) error {
	if err := c.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}

	c.mu.Lock()
	c.network = cfg
	c.mu.Unlock()

	c.events.Append("Network Updated", fmt.Sprintf("WiFi configuration set to %q", cfg.SSID), StatusInfo)
	return nil
}

func (c *DeviceControls) Presets() []Preset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Preset, len(c.presets))
	copy(result, c.presets)
	return result
}

func (c *DeviceControls) ActivatePreset(id int) (Preset, error) {
	c.mu.Lock()
	idx := -1
	for i, p := range c.presets {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return Preset{}, fmt.Errorf("preset %d: %w", id, ErrPresetNotFound)
	}
	if c.presets[idx].Active {
		c.mu.Unlock()
		return Preset{}, fmt.Errorf("preset %d: %w", id, ErrPresetAlreadyActive)
	}
	for i := range c.presets {
		c.presets[i].Active = i == idx
	}
	activated := c.presets[idx]
	c.mu.Unlock()

	c.events.Append("Preset Activated", "Switched to "+activated.Name+" configuration", StatusInfo)
	return activated, nil
}
