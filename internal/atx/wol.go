package atx

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ErrNoInterface is returned when Wake-on-LAN auto-selection finds no
// usable (up, non-loopback, hardware-addressed) network interface.
var ErrNoInterface = errors.New("atx: no usable network interface found for wake-on-lan")

// frameSender is the narrow surface Wake-on-LAN needs to put a raw frame
// on the wire, so tests never open a live pcap handle (mirrors
// internal/capture's injectable-device-seam pattern).
type frameSender interface {
	WritePacketData(data []byte) error
	Close()
}

func openPcapSender(ifaceName string) (frameSender, error) {
	handle, err := pcap.OpenLive(ifaceName, 256, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("atx: open %s for wake-on-lan: %w", ifaceName, err)
	}
	return handle, nil
}

// magicPacketPayload builds the 6x 0xFF sync stream followed by the target
// MAC repeated 16 times (spec.md §4.12 "6x0xFF + 16x MAC magic packet").
func magicPacketPayload(mac net.HardwareAddr) []byte {
	payload := make([]byte, 0, 6+16*len(mac))
	for i := 0; i < 6; i++ {
		payload = append(payload, 0xFF)
	}
	for i := 0; i < 16; i++ {
		payload = append(payload, mac...)
	}
	return payload
}

// buildWOLFrame constructs a broadcast Ethernet/IPv4/UDP frame carrying the
// magic packet, grounded on LanternOps's arp.go gopacket.SerializeLayers
// Ethernet-frame-construction idiom, repurposed from ARP discovery to
// Wake-on-LAN.
func buildWOLFrame(srcMAC net.HardwareAddr, srcIP net.IP, targetMAC net.HardwareAddr) ([]byte, error) {
	if len(srcMAC) != 6 {
		// Loopback and some virtual interfaces report no hardware address;
		// the frame is only ever consumed locally by the pcap handle's own
		// interface, so an all-zero source is harmless.
		srcMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.To4(),
		DstIP:    net.IPv4bcast,
	}
	udp := layers.UDP{SrcPort: 9, DstPort: 9}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, fmt.Errorf("atx: wol checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(magicPacketPayload(targetMAC))
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, payload); err != nil {
		return nil, fmt.Errorf("atx: serialize wol frame: %w", err)
	}
	return buf.Bytes(), nil
}

// selectInterface picks name if given, otherwise the first up, non-loopback
// interface with a hardware address (spec.md §4.12 "interface selected by
// config (or auto)").
func selectInterface(name string) (net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return net.Interface{}, fmt.Errorf("atx: wol interface %s: %w", name, err)
		}
		return *iface, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.Interface{}, fmt.Errorf("atx: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface, nil
	}
	return net.Interface{}, ErrNoInterface
}

func interfaceIPv4(iface net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return net.IPv4zero
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return net.IPv4zero
}
