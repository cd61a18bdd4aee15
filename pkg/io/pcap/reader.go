// Package pcap turns packet captures into per-packet feature vectors.
//
// Captures are decoded with the pure-Go pcapgo readers, so both classic
// pcap and pcapng files work without libpcap.
package pcap

import (
	"bufio"
	"bytes"
	"context"
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

// ErrNotInitialized is returned by a zero Reader.
var ErrNotInitialized = errors.New("reader not initialized")

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader reads packets from a capture and extracts features.
type Reader struct {
	source    gopacket.PacketDataSource
	linkType  layers.LinkType
	closer    io.Closer
	extractor *FeatureExtractor

	mu        sync.Mutex
	skipped   int
	streamErr error
}

// NewFileReader opens a pcap or pcapng file.
func NewFileReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	r.closer = file
	return r, nil
}

// NewReader decodes a capture from src. The format is detected from the
// leading magic number.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	r := &Reader{extractor: NewFeatureExtractor()}
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		r.source, r.linkType = ng, ng.LinkType()
		return r, nil
	}

	classic, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	r.source, r.linkType = classic, classic.LinkType()
	return r, nil
}

// Extractor returns the feature extractor used by the reader.
func (r *Reader) Extractor() *FeatureExtractor {
	return r.extractor
}

// next returns the features of the next decodable packet or io.EOF.
// Packets without a decodable link layer are counted in Skipped.
func (r *Reader) next(src *gopacket.PacketSource) ([]float64, error) {
	for {
		packet, err := src.NextPacket()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read packet: %w", err)
		}

		if features := r.extractor.Extract(packet); features != nil {
			return features, nil
		}
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
	}
}

// Read returns all packets as feature vectors.
func (r *Reader) Read() ([][]float64, error) {
	if r.source == nil {
		return nil, ErrNotInitialized
	}

	var data [][]float64
	packetSource := gopacket.NewPacketSource(r.source, r.linkType)

	for {
		features, err := r.next(packetSource)
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		data = append(data, features)
	}
}

// Stream returns a channel of feature vectors. The channel closes at end of
// capture, on the first read error (reported by Err), or when ctx is done.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	if r.source == nil {
		return nil, ErrNotInitialized
	}

	out := make(chan []float64, 1000)
	packetSource := gopacket.NewPacketSource(r.source, r.linkType)

	go func() {
		defer close(out)
		for {
			features, err := r.next(packetSource)
			if err == io.EOF {
				return
			}
			if err != nil {
				r.mu.Lock()
				r.streamErr = err
				r.mu.Unlock()
				return
			}

			select {
			case out <- features:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err returns the error that stopped Stream, or nil.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamErr
}

// Skipped returns the number of packets dropped because their link layer
// could not be decoded.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// FeatureExtractor extracts numerical features from network packets.
// It keeps the previous timestamp, so one extractor serves one capture.
type FeatureExtractor struct {
	lastTimestamp time.Time
}

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract converts a packet to a feature vector laid out as FeatureNames.
// Packets that fail to decode at the link layer yield nil.
func (e *FeatureExtractor) Extract(packet gopacket.Packet) []float64 {
	if packet.ErrorLayer() != nil && packet.LinkLayer() == nil {
		return nil
	}

	features := make([]float64, len(featureNames))
	features[0] = float64(len(packet.Data()))

	metadata := packet.Metadata()
	if metadata != nil && !metadata.Timestamp.IsZero() {
		if !e.lastTimestamp.IsZero() {
			features[1] = metadata.Timestamp.Sub(e.lastTimestamp).Seconds()
		}
		e.lastTimestamp = metadata.Timestamp
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		features[2] = float64(layers.IPProtocolTCP)
		features[3] = float64(tcp.SrcPort)
		features[4] = float64(tcp.DstPort)
		features[5] = encodeTCPFlags(tcp)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		features[2] = float64(layers.IPProtocolUDP)
		features[3] = float64(udp.SrcPort)
		features[4] = float64(udp.DstPort)
	case packet.Layer(layers.LayerTypeICMPv4) != nil:
		features[2] = float64(layers.IPProtocolICMPv4)
	case packet.Layer(layers.LayerTypeICMPv6) != nil:
		features[2] = float64(layers.IPProtocolICMPv6)
	}

	if ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		features[6] = float64(ip.TTL)
	} else if ip6, ok := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		features[6] = float64(ip6.HopLimit)
	}

	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		features[7] = float64(len(appLayer.Payload()))
	}

	return features
}

var featureNames = []string{
	"packet_size",
	"inter_arrival_time",
	"protocol",
	"src_port",
	"dst_port",
	"tcp_flags",
	"ip_ttl",
	"payload_size",
}

// FeatureNames returns the names of extracted features.
func (e *FeatureExtractor) FeatureNames() []string {
	return append([]string(nil), featureNames...)
}

// encodeTCPFlags packs the TCP flags into a bitmask.
func encodeTCPFlags(tcp *layers.TCP) float64 {
	var flags uint8
	for i, set := range []bool{tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST, tcp.PSH, tcp.URG} {
		if set {
			flags |= 1 << i
		}
	}
	return float64(flags)
}
