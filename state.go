package main

import (
	"fmt"
	"math"
	"time"
)

// DeviceMetrics is one published snapshot of the simulated device.
type DeviceMetrics struct {
	SyncLevel          float64   `json:"sync_level"`
	SyncSpeedMBps      float64   `json:"sync_speed_mbps"`
	SyncSpeedLabel     string    `json:"sync_speed"`
	LastSyncMinutes    int       `json:"last_sync_minutes"`
	LastSyncLabel      string    `json:"last_sync"`
	Online             bool      `json:"online"`
	Syncing            bool      `json:"syncing"`
	HealthMessage      string    `json:"health"`
	UptimeLabel        string    `json:"uptime"`
	NetworkStrengthDbm int       `json:"network_strength_dbm"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	minSyncLevel = 60.0
	maxSyncLevel = 95.0
	maxLevelStep = 2.0

	minSyncSpeed   = 35.0
	syncSpeedRange = 25.0

	minNetworkDbm  = -70
	maxNetworkDbm  = -30
	maxNetworkStep = 5.0

	syncingThreshold = 0.7
	offlineThreshold = 0.05
)

var healthMessages = []string{
	"All systems nominal",
	"Operating optimally",
	"Performance excellent",
	"Systems running smoothly",
}

func defaultSeedMetrics() DeviceMetrics {
	return DeviceMetrics{
		SyncLevel:          73,
		SyncSpeedMBps:      42.7,
		SyncSpeedLabel:     syncSpeedLabel(42.7),
		Online:             true,
		HealthMessage:      healthMessages[0],
		UptimeLabel:        "7 days, 14 hours",
		NetworkStrengthDbm: -42,
	}
}

func lastSyncLabel(minutes int) string {
	switch minutes {
	case 0:
		return "Just now"
	case 1:
		return "1 minute ago"
	default:
		return fmt.Sprintf("%d minutes ago", minutes)
	}
}

func syncSpeedLabel(mbps float64) string {
	return fmt.Sprintf("%.1f MB/s", mbps)
}

// signalQuality buckets an RSSI reading the way the controls page shows it.
func signalQuality(dbm int) string {
	switch {
	case dbm >= -50:
		return "Excellent"
	case dbm >= -60:
		return "Good"
	case dbm >= -67:
		return "Fair"
	default:
		return "Weak"
	}
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// pickHealth maps a draw in [0, 1) onto the fixed message set.
func pickHealth(draw float64) string {
	idx := int(math.Floor(draw * float64(len(healthMessages))))
	return healthMessages[clampInt(idx, 0, len(healthMessages)-1)]
}
