package pcap

import (
	"LinkGuard/internal/engine/protocol"
	"LinkGuard/internal/model"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads MAVLink packets from a pcap or pcapng file without libpcap.
type Reader struct {
	file    *os.File
	src     packetDataReader
	matcher protocol.Matcher
}

// NewReader opens the capture file at filePath.
func NewReader(filePath string, matcher protocol.Matcher) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var src packetDataReader
	if bytes.Equal(head, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open capture %s: %w", filePath, err)
	}
	return &Reader{file: f, src: src, matcher: matcher}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}

// ReadPackets sends every matching packet to out and closes it when the file
// is exhausted.
func (r *Reader) ReadPackets(out chan<- *model.PacketInfo) error {
	defer close(out)
	for {
		info, err := r.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		out <- info
	}
}

// next returns the next matching packet, skipping everything else.
func (r *Reader) next() (*model.PacketInfo, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			return nil, err
		}
		packet := gopacket.NewPacket(data, r.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		packet.Metadata().CaptureInfo = ci
		info, err := r.matcher.Match(packet)
		if err != nil {
			continue
		}
		return info, nil
	}
}

// WindowCounts buckets matching packets into consecutive windows of the given
// size, starting at the first matching packet. Windows without traffic are
// kept as zero counts.
func (r *Reader) WindowCounts(size time.Duration) ([]model.WindowSample, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", size)
	}
	var samples []model.WindowSample
	var start time.Time
	for {
		info, err := r.next()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return samples, err
		}
		if start.IsZero() {
			start = info.Timestamp
		}
		offset := info.Timestamp.Sub(start)
		if offset < 0 {
			offset = 0
		}
		slot := int(offset / size)
		for len(samples) <= slot {
			i := len(samples)
			samples = append(samples, model.WindowSample{
				Index:      uint64(i + 1),
				CapturedAt: start.Add(time.Duration(i+1) * size),
			})
		}
		samples[slot].Count++
	}
}

// ReplaySource serves precomputed window counts as a packet source, one per
// call. Once exhausted it reports empty windows.
type ReplaySource struct {
	mu     sync.Mutex
	counts []uint32
	pos    int
}

// NewReplaySource creates a source that replays the given samples in order.
func NewReplaySource(samples []model.WindowSample) *ReplaySource {
	return &ReplaySource{counts: model.Counts(samples)}
}

// TakeAndResetCount returns the next recorded count.
func (s *ReplaySource) TakeAndResetCount() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.counts) {
		return 0, nil
	}
	c := s.counts[s.pos]
	s.pos++
	return c, nil
}

// Exhausted reports whether every recorded window has been served.
func (s *ReplaySource) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos >= len(s.counts)
}
