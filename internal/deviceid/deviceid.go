// Package deviceid derives the device's stable identifier and transport
// credential from its hardware unique identifier (spec §6 "Device
// identity"). Both are sent as transport headers at connect time.
package deviceid

import (
	"encoding/hex"
	"fmt"
	"net"
)

// HardwareSource supplies the 6-byte hardware unique identifier (MAC) the
// identity is derived from. Abstracted behind an interface so tests can
// supply a fixed address instead of reading real network interfaces.
type HardwareSource interface {
	MAC() ([6]byte, error)
}

// SystemMAC reads the MAC address of the first interface with a non-zero
// hardware address, matching how the original firmware reads
// esp_wifi_get_mac at boot.
type SystemMAC struct{}

func (SystemMAC) MAC() ([6]byte, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return [6]byte{}, fmt.Errorf("deviceid: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 6 {
			var mac [6]byte
			copy(mac[:], iface.HardwareAddr)
			if mac != ([6]byte{}) {
				return mac, nil
			}
		}
	}
	return [6]byte{}, fmt.Errorf("deviceid: no hardware interface with a MAC address found")
}

// FixedMAC is a HardwareSource that always returns a fixed address, for
// tests and desktop/simulator builds.
type FixedMAC [6]byte

func (f FixedMAC) MAC() ([6]byte, error) { return [6]byte(f), nil }

// Identity is the pair of transport headers the client presents at connect.
type Identity struct {
	DeviceID string
	Token    string
}

// Derive computes device_id = "hitony-" + hex(mac), and device_token from
// the reversed MAC, each byte XOR-masked with alternating 0xA5/0x5A (spec
// §6).
func Derive(src HardwareSource) (Identity, error) {
	mac, err := src.MAC()
	if err != nil {
		return Identity{}, err
	}
	deviceID := "hitony-" + hex.EncodeToString(mac[:])

	var reversed [6]byte
	for i := range mac {
		reversed[i] = mac[len(mac)-1-i]
	}
	masked := make([]byte, len(reversed))
	for i, b := range reversed {
		if i%2 == 0 {
			masked[i] = b ^ 0xA5
		} else {
			masked[i] = b ^ 0x5A
		}
	}
	token := hex.EncodeToString(masked)

	return Identity{DeviceID: deviceID, Token: token}, nil
}
