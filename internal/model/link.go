package model

// TransportLink is the per-network reservation of an address block and a
// window of UDP port numbers starting at Port.
type TransportLink struct {
	NetworkID string `json:"network_id"`
	CIDR      string `json:"cidr"`
	Left      string `json:"left"`
	Right     string `json:"right"`
	Port      int    `json:"port"`
}

// PortBinding is the UDP four-tuple carrying one port's traffic
type PortBinding struct {
	PortID     string `json:"port_id"`
	NetworkID  string `json:"network_id"`
	SrcAddress string `json:"src_address"`
	SrcPort    int    `json:"src_port"`
	DstAddress string `json:"dst_address"`
	DstPort    int    `json:"dst_port"`
}
