package models

// Node is a worker agent known to the metadata server.
type Node struct {
	UUID          string            `json:"uuid"`
	IPAddress     string            `json:"ip_address"`
	Port          int32             `json:"port"`
	Status        string            `json:"status"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	RegisteredAt  int64             `json:"registered_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Node statuses.
const (
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
)

// Address returns ip:port.
func (n *Node) Address() string {
	return joinHostPort(n.IPAddress, n.Port)
}

// NodeResource is the latest resource telemetry snapshot for a node.
type NodeResource struct {
	NodeUUID             string            `json:"node_uuid"`
	CPUUsagePercent      float64           `json:"cpu_usage_percent"`
	MemoryUsagePercent   float64           `json:"memory_usage_percent"`
	TotalMemoryBytes     int64             `json:"total_memory_bytes"`
	UsedMemoryBytes      int64             `json:"used_memory_bytes"`
	AvailableMemoryBytes int64             `json:"available_memory_bytes"`
	DiskUsagePercent     float64           `json:"disk_usage_percent"`
	TotalDiskBytes       int64             `json:"total_disk_bytes"`
	UsedDiskBytes        int64             `json:"used_disk_bytes"`
	NetworkRxBytesPerSec int64             `json:"network_rx_bytes_per_sec"`
	NetworkTxBytesPerSec int64             `json:"network_tx_bytes_per_sec"`
	LoadAverage1m        float64           `json:"load_average_1m"`
	LoadAverage5m        float64           `json:"load_average_5m"`
	LoadAverage15m       float64           `json:"load_average_15m"`
	UpdatedAt            int64             `json:"updated_at"`
	ResourceMetadata     map[string]string `json:"resource_metadata,omitempty"`
}

// NodeWithResource pairs a node with its latest telemetry (resource may be nil).
type NodeWithResource struct {
	Node     Node          `json:"node"`
	Resource *NodeResource `json:"resource,omitempty"`
}
