package httpapi

import "time"

// Config defines HTTP dispatch settings.
type Config struct {
	Addr     string
	BasePath string
	// SweepThreshold and CleanupMaxAge apply when a maintenance request
	// does not name its own.
	SweepThreshold time.Duration
	CleanupMaxAge  time.Duration
}
