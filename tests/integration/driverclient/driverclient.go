//go:build integration

// Package driverclient speaks the Docker volume plugin protocol to the
// diskimage driver socket inside the test VM.
package driverclient

type DriverClient interface {
	Create(name string, opts map[string]string) error
	Remove(name string) error
	Mount(name, id string) (string, error)
	Unmount(name, id string) error
	Path(name string) (string, error)
	Get(name string) (*Volume, error)
	List() ([]*Volume, error)
	Capabilities() (*Capability, error)
}

// Request/Response types matching the Docker Volume Plugin protocol

// CreateRequest is the request for VolumeDriver.Create
type CreateRequest struct {
	Name string            `json:"Name"`
	Opts map[string]string `json:"Opts"`
}

// RemoveRequest is the request for VolumeDriver.Remove
type RemoveRequest struct {
	Name string `json:"Name"`
}

// MountRequest is the request for VolumeDriver.Mount
type MountRequest struct {
	Name string `json:"Name"`
	ID   string `json:"ID"`
}

// UnmountRequest is the request for VolumeDriver.Unmount
type UnmountRequest struct {
	Name string `json:"Name"`
	ID   string `json:"ID"`
}

// PathRequest is the request for VolumeDriver.Path
type PathRequest struct {
	Name string `json:"Name"`
}

// GetRequest is the request for VolumeDriver.Get
type GetRequest struct {
	Name string `json:"Name"`
}

// ErrorResponse is a generic error response
type ErrorResponse struct {
	Err string `json:"Err"`
}

// MountResponse is the response from VolumeDriver.Mount
type MountResponse struct {
	Mountpoint string `json:"Mountpoint"`
	Err        string `json:"Err"`
}

// PathResponse is the response from VolumeDriver.Path
type PathResponse struct {
	Mountpoint string `json:"Mountpoint"`
	Err        string `json:"Err"`
}

// Volume is a volume as reported by Get and List
type Volume struct {
	Name       string         `json:"Name"`
	Mountpoint string         `json:"Mountpoint"`
	CreatedAt  string         `json:"CreatedAt"`
	Status     map[string]any `json:"Status"`
}

// StatusString returns a string Status field, or "" when absent
func (v *Volume) StatusString(key string) string {
	s, _ := v.Status[key].(string)
	return s
}

// StatusNumber returns a numeric Status field. JSON numbers decode as
// float64, which covers the driver's sizes and byte counters
func (v *Volume) StatusNumber(key string) (float64, bool) {
	n, ok := v.Status[key].(float64)
	return n, ok
}

// GetResponse is the response from VolumeDriver.Get
type GetResponse struct {
	Volume *Volume `json:"Volume"`
	Err    string  `json:"Err"`
}

// ListResponse is the response from VolumeDriver.List
type ListResponse struct {
	Volumes []*Volume `json:"Volumes"`
	Err     string    `json:"Err"`
}

// Capability represents driver capabilities
type Capability struct {
	Scope string `json:"Scope"`
}

// CapabilitiesResponse is the response from VolumeDriver.Capabilities
type CapabilitiesResponse struct {
	Capabilities Capability `json:"Capabilities"`
	Err          string     `json:"Err"`
}
