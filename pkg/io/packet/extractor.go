// Package packet turns network packets into numeric feature vectors.
package packet

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	fio "github.com/hed1ad/fraudrules/pkg/io"
)

// Feature column indices.
const (
	Size = iota
	InterArrival
	Protocol
	SrcPort
	DstPort
	TCPFlags
	TTL
	PayloadSize
	SourcePackets
	numFeatures
)

var featureNames = [numFeatures]string{
	Size:          "packet_size",
	InterArrival:  "inter_arrival_time",
	Protocol:      "protocol",
	SrcPort:       "src_port",
	DstPort:       "dst_port",
	TCPFlags:      "tcp_flags",
	TTL:           "ip_ttl",
	PayloadSize:   "payload_size",
	SourcePackets: "source_packets",
}

// Extractor extracts numerical features from network packets. It keeps the
// timestamp of the previous packet and a per-source packet count, so one
// Extractor must see packets in capture order.
type Extractor struct {
	lastTimestamp time.Time
	sources       map[string]int
}

var _ fio.FeatureExtractor = (*Extractor)(nil)

// NewExtractor creates a new packet feature extractor.
func NewExtractor() *Extractor {
	return &Extractor{sources: make(map[string]int)}
}

// Extract converts a packet to a feature vector laid out as FeatureNames.
func (e *Extractor) Extract(packet gopacket.Packet) []float64 {
	features := make([]float64, numFeatures)

	features[Size] = float64(len(packet.Data()))

	metadata := packet.Metadata()
	if metadata != nil && !metadata.Timestamp.IsZero() {
		if !e.lastTimestamp.IsZero() {
			features[InterArrival] = metadata.Timestamp.Sub(e.lastTimestamp).Seconds()
		}
		e.lastTimestamp = metadata.Timestamp
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		features[Protocol] = float64(layers.IPProtocolTCP)
		features[SrcPort] = float64(tcp.SrcPort)
		features[DstPort] = float64(tcp.DstPort)
		features[TCPFlags] = encodeTCPFlags(tcp)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		features[Protocol] = float64(layers.IPProtocolUDP)
		features[SrcPort] = float64(udp.SrcPort)
		features[DstPort] = float64(udp.DstPort)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil {
		features[Protocol] = float64(layers.IPProtocolICMPv4)
	}

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		features[TTL] = float64(ip.TTL)
		src := ip.SrcIP.String()
		e.sources[src]++
		features[SourcePackets] = float64(e.sources[src])
	}

	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		features[PayloadSize] = float64(len(appLayer.Payload()))
	}

	return features
}

// FeatureNames returns the names of extracted features.
func (e *Extractor) FeatureNames() []string {
	return append([]string(nil), featureNames[:]...)
}

// encodeTCPFlags packs the TCP control bits into one value.
func encodeTCPFlags(tcp *layers.TCP) float64 {
	var flags float64
	for i, set := range []bool{tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST, tcp.PSH, tcp.URG} {
		if set {
			flags += float64(int(1) << i)
		}
	}
	return flags
}
