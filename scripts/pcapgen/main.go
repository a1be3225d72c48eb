package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapgen writes a synthetic MAVLink v2 telemetry capture. The link carries
// a steady packet rate; between -attack-start and -attack-end the rate drops
// the way a flooded or jammed link does.
func main() {
	outputFile := flag.String("o", "flight.pcap", "Output pcap file path")
	duration := flag.Duration("d", 10*time.Minute, "Length of the capture")
	rate := flag.Float64("rate", 50, "Normal MAVLink packets per second")
	attackRate := flag.Float64("attack-rate", 20, "Packets per second while under attack")
	attackStart := flag.Duration("attack-start", 6*time.Minute, "Offset at which the attack starts (0 disables it)")
	attackEnd := flag.Duration("attack-end", 8*time.Minute, "Offset at which the attack ends")
	port := flag.Int("port", 14550, "UDP destination port")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	log.Printf("Generating %s of MAVLink traffic into %s...", *duration, *outputFile)

	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    net.IP{192, 168, 4, 1},
		DstIP:    net.IP{192, 168, 4, 2},
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
	}
	udpLayer := &layers.UDP{SrcPort: 14555, DstPort: layers.UDPPort(*port)}
	udpLayer.SetNetworkLayerForChecksum(ipLayer)
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	var written int
	var seq byte
	for offset := time.Duration(0); offset < *duration; {
		r := *rate
		if *attackStart > 0 && offset >= *attackStart && offset < *attackEnd {
			r = *attackRate
		}
		// Exponential inter-arrival times give a Poisson stream at rate r.
		offset += time.Duration(rng.ExpFloat64() / r * float64(time.Second))

		payload := mavlinkFrame(rng, seq)
		seq++
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(payload)); err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(offset),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := pcapWriter.WritePacket(ci, buf.Bytes()); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
		written++
	}

	log.Printf("Successfully generated %d packets into %s.", written, *outputFile)
}

// mavlinkFrame builds a v2 frame with a random payload. The checksum is not
// meaningful; the detector only looks at the start-of-frame marker.
func mavlinkFrame(rng *rand.Rand, seq byte) []byte {
	n := rng.Intn(40) + 9
	frame := make([]byte, 10+n+2)
	frame[0] = 0xFD
	frame[1] = byte(n)
	frame[4] = seq
	frame[5] = 1 // system id
	frame[6] = 1 // component id
	frame[7] = byte(rng.Intn(256))
	rng.Read(frame[10:])
	return frame
}
