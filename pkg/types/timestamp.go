package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeploymentIDLayout is the wire format for human-readable deployment IDs.
const DeploymentIDLayout = "20060102-150405"

// NewDeploymentID derives a deployment ID from the creation time, in UTC.
func NewDeploymentID(t time.Time) string {
	return t.UTC().Format(DeploymentIDLayout)
}

// ValidDeploymentID reports whether s parses as a deployment ID.
func ValidDeploymentID(s string) bool {
	_, err := time.Parse(DeploymentIDLayout, s)
	return err == nil
}

// ParseExpiresIn parses CLI expiry strings like "500ms", "30s", "15m" or
// "2h" into a duration. Bare numbers are rejected so callers don't guess
// the unit.
func ParseExpiresIn(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty expiry")
	}

	var unit time.Duration
	var numPart string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit, numPart = time.Millisecond, strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit, numPart = time.Second, strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit, numPart = time.Minute, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit, numPart = time.Hour, strings.TrimSuffix(s, "h")
	default:
		return 0, fmt.Errorf("expiry %q must end in ms, s, m or h", s)
	}

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid expiry %q", s)
	}
	return time.Duration(n) * unit, nil
}
