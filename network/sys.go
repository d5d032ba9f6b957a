package network

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readSysSpeed reads /sys/class/net/<name>/speed (§4.5 step 4). The kernel
// returns -1 or ENOTSUPP for devices without a notion of link speed
// (virtual devices), which the caller maps to a default.
func readSysSpeed(name string) (int, error) {
	data, err := os.ReadFile(filepath.Join("/sys/class/net", name, "speed"))
	if err != nil {
		return 0, fmt.Errorf("network: read speed for %s: %w", name, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("network: parse speed for %s: %w", name, err)
	}
	return n, nil
}
