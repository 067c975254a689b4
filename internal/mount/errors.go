package mount

import "fmt"

// AttachError reports a failure to expose the image as a block device
type AttachError struct {
	Err error
}

func (e *AttachError) Error() string {
	return e.Err.Error()
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError reports an operation the attach mode cannot
// perform
type UnsupportedOperationError struct {
	Operation string
	Mode      string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s unsupported with %s", e.Operation, e.Mode)
}

// PartitionMapError reports a failed partition mapping
type PartitionMapError struct {
	Reason string
}

func (e *PartitionMapError) Error() string {
	return "Failed to map partitions: " + e.Reason
}

// MountError reports a failed filesystem mount
type MountError struct {
	Reason string
}

func (e *MountError) Error() string {
	return "Failed to mount filesystem: " + e.Reason
}
