// Package permissions probes the availability of local capture devices
// before a publish attempt so a denied or missing device fails fast with a
// useful message instead of deep inside track negotiation.
package permissions

import (
	"fmt"

	"github.com/pion/mediadevices/pkg/driver"
)

// HasCamera reports whether at least one video capture driver is available.
func HasCamera() bool {
	return len(driver.GetManager().Query(driver.FilterVideoRecorder())) > 0
}

// HasMicrophone reports whether at least one audio capture driver is available.
func HasMicrophone() bool {
	return len(driver.GetManager().Query(driver.FilterAudioRecorder())) > 0
}

// CheckCapture validates the devices a publish session needs. withAudio
// additionally requires a microphone.
func CheckCapture(withAudio bool) error {
	if !HasCamera() {
		return fmt.Errorf("camera access unavailable: no video capture device found or permission denied")
	}
	if withAudio && !HasMicrophone() {
		return fmt.Errorf("microphone access unavailable: no audio capture device found or permission denied")
	}
	return nil
}
