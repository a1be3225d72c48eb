package protocol

import (
	"LinkGuard/internal/model"
	"errors"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// MAVLinkV1Magic starts every MAVLink 1 frame.
	MAVLinkV1Magic = 0xFE
	// MAVLinkV2Magic starts every MAVLink 2 frame.
	MAVLinkV2Magic = 0xFD
)

// ErrNotMAVLink is returned for packets that do not carry a MAVLink frame over UDP.
var ErrNotMAVLink = errors.New("not a MAVLink packet")

// Matcher recognizes MAVLink-over-UDP packets.
type Matcher struct {
	// Port restricts matching to one UDP port on either side. Zero matches any port.
	Port uint16
	// AcceptV1 also matches MAVLink 1 frames.
	AcceptV1 bool
}

// ParsePacket decodes a raw frame of the given link type and extracts the
// matching packet's metadata.
func (m Matcher) ParsePacket(data []byte, linkType gopacket.Decoder) (*model.PacketInfo, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	return m.Match(packet)
}

// Match inspects an already decoded packet.
func (m Matcher) Match(packet gopacket.Packet) (*model.PacketInfo, error) {
	info := &model.PacketInfo{
		Timestamp: time.Now(),
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		info.Timestamp = meta.Timestamp
		if meta.Length > 0 {
			info.Length = meta.Length
		}
	}

	var fiveTuple model.FiveTuple
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.Protocol)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.NextHeader)
	} else {
		return nil, ErrNotMAVLink
	}

	l := packet.Layer(layers.LayerTypeUDP)
	if l == nil {
		return nil, ErrNotMAVLink
	}
	udp := l.(*layers.UDP)
	fiveTuple.SrcPort = uint16(udp.SrcPort)
	fiveTuple.DstPort = uint16(udp.DstPort)
	if m.Port != 0 && fiveTuple.SrcPort != m.Port && fiveTuple.DstPort != m.Port {
		return nil, ErrNotMAVLink
	}

	payload := udp.LayerPayload()
	if len(payload) == 0 {
		return nil, ErrNotMAVLink
	}
	switch payload[0] {
	case MAVLinkV2Magic:
		info.MAVLinkVersion = 2
	case MAVLinkV1Magic:
		if !m.AcceptV1 {
			return nil, ErrNotMAVLink
		}
		info.MAVLinkVersion = 1
	default:
		return nil, ErrNotMAVLink
	}

	info.FiveTuple = fiveTuple
	return info, nil
}

// BPFFilter returns a kernel filter that preselects UDP traffic for the matcher.
func (m Matcher) BPFFilter() string {
	if m.Port != 0 {
		return "udp port " + strconv.Itoa(int(m.Port))
	}
	return "udp"
}
