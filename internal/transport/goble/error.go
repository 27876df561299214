package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blequeue/internal/device"
)

// NormalizeError maps go-ble specific error strings on top of the generic
// device.NormalizeError mapping.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "is bluetooth turned on") || strings.Contains(msg, "bluetooth is turned off") {
		return fmt.Errorf("%w: %w", device.ErrNotInitialized, err)
	}
	return device.NormalizeError(err)
}
