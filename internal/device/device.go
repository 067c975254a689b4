// Package device attaches disk images to block device nodes. Raw images go
// through the loop driver, attached either with losetup or through the
// UDisks2 daemon; formatted images (qcow2 and friends) go through qemu-nbd.
package device

// Attach modes, used in error messages and logs
const (
	ModeLoop = "loop"
	ModeNBD  = "nbd"
)

// Backend is one strategy for exposing a disk image as a block device. A
// backend is bound to a single image; Attach may be called again after a
// Detach, but a backend never handles two devices at once.
type Backend interface {
	// Mode names the attach strategy
	Mode() string
	// Attach connects the image and returns the device node path
	Attach() (device string, err error)
	// Detach disconnects the device. Failures are logged, never returned:
	// detach runs during teardown where there is nothing left to do about
	// them.
	Detach(device string)
}
