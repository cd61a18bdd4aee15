package pcap

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tcpPacket(t *testing.T, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 9000,
		SYN:     true,
		ACK:     true,
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func udpPacket(t *testing.T) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      32,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 3},
	}
	udp := &layers.UDP{SrcPort: 40001, DstPort: 9999}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("query"))))
	return buf.Bytes()
}

func writeCapture(t *testing.T, packets ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, p := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 500 * time.Millisecond),
			CaptureLength: len(p),
			Length:        len(p),
		}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return buf.Bytes()
}

func TestReadClassicPcap(t *testing.T) {
	tcp := tcpPacket(t, []byte("hello"))
	udp := udpPacket(t)

	r, err := NewReader(bytes.NewReader(writeCapture(t, tcp, udp)))
	require.NoError(t, err)
	defer r.Close()

	data, err := r.Read()
	require.NoError(t, err)
	require.Len(t, data, 2)

	assert.Equal(t, []float64{float64(len(tcp)), 0, 6, 40000, 9000, 3, 64, 5}, data[0])
	assert.Equal(t, []float64{float64(len(udp)), 0.5, 17, 40001, 9999, 0, 32, 5}, data[1])
}

func TestReadPcapng(t *testing.T) {
	tcp := tcpPacket(t, nil)

	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	ci := gopacket.CaptureInfo{Timestamp: start, CaptureLength: len(tcp), Length: len(tcp), InterfaceIndex: 0}
	require.NoError(t, w.WritePacket(ci, tcp))
	require.NoError(t, w.Flush())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	data, err := r.Read()
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, 6.0, data[0][2])
	assert.Equal(t, 0.0, data[0][7])
}

func TestNewFileReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(path, writeCapture(t, udpPacket(t)), 0o600))

	r, err := NewFileReader(path)
	require.NoError(t, err)

	data, err := r.Read()
	require.NoError(t, err)
	assert.Len(t, data, 1)
	assert.NoError(t, r.Close())
}

func TestNewFileReaderErrors(t *testing.T) {
	_, err := NewFileReader(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture"), 0o600))
	_, err = NewFileReader(path)
	assert.Error(t, err)
}

func TestStream(t *testing.T) {
	packets := [][]byte{tcpPacket(t, nil), udpPacket(t), tcpPacket(t, []byte("x"))}
	r, err := NewReader(bytes.NewReader(writeCapture(t, packets...)))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got [][]float64
	for features := range ch {
		got = append(got, features)
	}
	assert.Len(t, got, 3)
}

func TestZeroReader(t *testing.T) {
	var r Reader
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = r.Stream(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, r.Close())
}

func TestFeatureNames(t *testing.T) {
	names := NewFeatureExtractor().FeatureNames()
	assert.Len(t, names, 8)
	assert.Equal(t, "packet_size", names[0])

	names[0] = "mutated"
	assert.Equal(t, "packet_size", NewFeatureExtractor().FeatureNames()[0])
}

func TestEncodeTCPFlags(t *testing.T) {
	tests := []struct {
		name string
		tcp  layers.TCP
		want float64
	}{
		{name: "none", want: 0},
		{name: "syn", tcp: layers.TCP{SYN: true}, want: 1},
		{name: "fin ack", tcp: layers.TCP{FIN: true, ACK: true}, want: 6},
		{name: "all", tcp: layers.TCP{SYN: true, ACK: true, FIN: true, RST: true, PSH: true, URG: true}, want: 63},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeTCPFlags(&tt.tcp))
		})
	}
}

func TestTruncatedCapture(t *testing.T) {
	capture := writeCapture(t, udpPacket(t), tcpPacket(t, []byte("hello")))
	truncated := capture[:len(capture)-3]

	t.Run("read", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(truncated))
		require.NoError(t, err)
		_, err = r.Read()
		assert.Error(t, err)
	})

	t.Run("stream", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(truncated))
		require.NoError(t, err)

		ch, err := r.Stream(context.Background())
		require.NoError(t, err)

		var got [][]float64
		for features := range ch {
			got = append(got, features)
		}
		assert.Len(t, got, 1)
		assert.Error(t, r.Err())
	})
}

func TestStreamCleanEnd(t *testing.T) {
	r, err := NewReader(bytes.NewReader(writeCapture(t, udpPacket(t))))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	for range ch {
	}
	assert.NoError(t, r.Err())
	assert.Zero(t, r.Skipped())
}
