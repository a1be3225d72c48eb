package model

import (
	"net"
	"time"
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata extracted from a single matching packet.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
	// MAVLinkVersion is 1 or 2 depending on the frame magic byte.
	MAVLinkVersion int
}

// WindowSample is the number of matching packets observed during one fixed window.
// Samples are immutable once produced by the collector.
type WindowSample struct {
	Index      uint64
	Count      uint32
	CapturedAt time.Time
}

// Counts extracts the packet counts of samples, preserving order.
func Counts(samples []WindowSample) []uint32 {
	counts := make([]uint32, len(samples))
	for i, s := range samples {
		counts[i] = s.Count
	}
	return counts
}

// IsIdle reports whether every count in the tail is zero. An empty tail is idle.
func IsIdle(tail []uint32) bool {
	for _, c := range tail {
		if c != 0 {
			return false
		}
	}
	return true
}
