// Package live captures MAVLink traffic from a network interface with libpcap.
package live

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/engine/protocol"
	"LinkGuard/internal/probe"
	"LinkGuard/internal/probe/persistent"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
)

// Source is a packet source backed by a live pcap handle.
type Source struct {
	*probe.Capture
	handle   *pcap.Handle
	recorder *persistent.Worker
	done     chan struct{}
	logger   zerolog.Logger
}

// Open starts capturing on the configured interface. Packets are counted by a
// background goroutine until Close.
func Open(cfg config.SourceConfig, logger zerolog.Logger) (*Source, error) {
	matcher := protocol.Matcher{Port: cfg.Port, AcceptV1: cfg.AcceptV1}
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, cfg.Promiscuous, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", cfg.Interface, err)
	}
	if err := handle.SetBPFFilter(matcher.BPFFilter()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter: %w", err)
	}

	s := &Source{handle: handle, done: make(chan struct{}), logger: logger.With().Str("component", "live-source").Logger()}
	var recorder probe.Recorder
	if cfg.RecordDir != "" {
		s.recorder, err = persistent.NewWorker(cfg.RecordDir, handle.LinkType(), uint32(cfg.SnapLen), 0, logger)
		if err != nil {
			handle.Close()
			return nil, err
		}
		recorder = s.recorder
	}
	s.Capture = probe.NewCapture(matcher, recorder, logger)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	go func() {
		defer close(s.done)
		s.Consume(packetSource.Packets())
	}()

	s.logger.Info().Str("iface", cfg.Interface).Str("filter", matcher.BPFFilter()).Msg("Capture started")
	return s, nil
}

// Close stops the capture and flushes the recording, if any.
func (s *Source) Close() {
	s.Fail(errors.New("capture closed"))
	s.handle.Close()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.logger.Warn().Msg("Capture goroutine did not stop in time")
		return
	}
	if s.recorder != nil {
		if err := s.recorder.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close recording")
		}
	}
	seen, matched := s.Stats()
	s.logger.Info().Uint64("seen", seen).Uint64("matched", matched).Msg("Capture closed")
}
