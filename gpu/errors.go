package gpu

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
)

// Sentinel errors, one value per distinct failure mode so callers can
// distinguish them with errors.Is.
var (
	ErrNoSuitableDevice   = errors.New("gpu: no physical device supports the required feature set")
	ErrUnsupportedFormat  = errors.New("gpu: pixel format/usage combination unsupported by this device")
	ErrNoDeviceAddress    = errors.New("gpu: buffer was not created with UDeviceAddress")
	ErrLayoutForbids      = errors.New("gpu: image layout forbids the requested operation")
	ErrDescriptorMismatch = errors.New("gpu: conflicting descriptor type for same (set, binding)")
)

// checkResult converts a vk.Result into an error, mirroring
// driver/vk's checkResult helper.
func checkResult(res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	return fmt.Errorf("gpu: vulkan error %d", res)
}
