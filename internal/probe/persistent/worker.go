package persistent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
)

// Worker writes matched MAVLink packets to a pcap file on a single goroutine,
// so captures can later be replayed offline.
type Worker struct {
	packetChan chan gopacket.Packet
	file       *os.File
	writer     *pcapgo.Writer
	logger     zerolog.Logger
	wg         sync.WaitGroup
	once       sync.Once

	mu      sync.Mutex
	dropped uint64
	written uint64
}

// NewWorker creates the output file in dir and starts the writer goroutine.
func NewWorker(dir string, linkType layers.LinkType, snapLen uint32, bufferSize int, logger zerolog.Logger) (*Worker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	name := fmt.Sprintf("mavlink_%s.pcap", time.Now().Format("2006-01-02_15-04-05"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snapLen, linkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	w := &Worker{
		packetChan: make(chan gopacket.Packet, bufferSize),
		file:       file,
		writer:     writer,
		logger:     logger.With().Str("component", "recorder").Logger(),
	}
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Str("file", file.Name()).Msg("Recording matched packets")
	return w, nil
}

// Path returns the recording file path.
func (w *Worker) Path() string {
	return w.file.Name()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for packet := range w.packetChan {
		if err := w.writer.WritePacket(packet.Metadata().CaptureInfo, packet.Data()); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to write packet")
			continue
		}
		w.mu.Lock()
		w.written++
		w.mu.Unlock()
	}
}

// Enqueue hands a packet to the writer, dropping it when the buffer is full.
func (w *Worker) Enqueue(packet gopacket.Packet) {
	select {
	case w.packetChan <- packet:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// Stop flushes queued packets and closes the file. Enqueue must not be called afterwards.
func (w *Worker) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.packetChan)
		w.wg.Wait()
		err = w.file.Close()
		w.mu.Lock()
		w.logger.Info().Uint64("written", w.written).Uint64("dropped", w.dropped).Msg("Recorder stopped")
		w.mu.Unlock()
	})
	return err
}
