// Package models defines the data structures exchanged with the Operion
// platform. These structures are serialized to JSON for transmission.
package models

// Sample is one point-in-time disk usage measurement for a single mount.
type Sample struct {
	Timestamp           int64   `json:"timestamp"`
	Device              string  `json:"device"`
	MountPoint          string  `json:"mount_point"`
	TotalSpaceBytes     uint64  `json:"total_space_bytes"`
	UsedSpaceBytes      uint64  `json:"used_space_bytes"`
	AvailableSpaceBytes uint64  `json:"available_space_bytes"`
	UsagePercentage     float64 `json:"usage_percentage"`
}

// Batch is the payload sent to POST /api/v1/metrics.
type Batch struct {
	ServerID  string   `json:"server_id"`
	Hostname  string   `json:"hostname"`
	Timestamp int64    `json:"timestamp"`
	Metrics   []Sample `json:"metrics"`
}

// InstanceIdentity describes the cloud instance the agent runs on.
// All fields are empty when no provider is detected.
type InstanceIdentity struct {
	InstanceID    string `json:"instance_id,omitempty"`
	CloudProvider string `json:"cloud_provider,omitempty"`
	Region        string `json:"region,omitempty"`
	InstanceType  string `json:"instance_type,omitempty"`
}

// Detected reports whether any cloud provider was identified.
func (i InstanceIdentity) Detected() bool {
	return i.CloudProvider != ""
}

// RegistrationRequest is the payload sent to POST /api/v1/resources.
type RegistrationRequest struct {
	Hostname         string           `json:"hostname"`
	AgentVersion     string           `json:"agent_version"`
	Platform         string           `json:"platform"`
	Arch             string           `json:"arch"`
	InstanceMetadata InstanceIdentity `json:"instance_metadata"`
}

// RegistrationResponse is the platform's answer to a registration request.
type RegistrationResponse struct {
	ResourceID string `json:"resource_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}
