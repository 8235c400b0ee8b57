package vmsvc

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
)

// generateMAC returns a locally-administered, unicast MAC address, the
// address class the guest's virtual NIC is assigned.
func generateMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mac address: %w", err)
	}
	buf[0] = (buf[0] | 0x02) & 0xfe // locally administered, unicast
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}

// vxlanVNI derives a stable VXLAN network identifier from the owner id, so
// every VM belonging to the same owner lands on the same overlay segment.
func vxlanVNI(ownerID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return (h.Sum32() % 16_000_000) + 1 // valid VXLAN VNI range is 1..16777215
}

// networkPayload is the §6 CreateVm command's "network" sub-object.
type networkPayload struct {
	MACAddress   string   `json:"macAddress"`
	IPAddress    string   `json:"ipAddress"`
	Gateway      string   `json:"gateway"`
	VXLANVNI     uint32   `json:"vxlanVni"`
	AllowedPorts []int    `json:"allowedPorts"`
}

func buildNetworkPayload(ownerID string, allowedPorts []int) (networkPayload, error) {
	mac, err := generateMAC()
	if err != nil {
		return networkPayload{}, err
	}
	return networkPayload{
		MACAddress:   mac,
		IPAddress:    "", // assigned by the agent; reported back via heartbeat
		Gateway:      "10.244.0.1",
		VXLANVNI:     vxlanVNI(ownerID),
		AllowedPorts: allowedPorts,
	}, nil
}
