// Package pcap reads capture files and live interfaces into feature datasets.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	fio "github.com/hed1ad/fraudrules/pkg/io"
	"github.com/hed1ad/fraudrules/pkg/io/packet"
)

// Reader reads packets from PCAP files or live interfaces.
type Reader struct {
	handle    *pcap.Handle
	extractor *packet.Extractor
	isLive    bool
	limit     int
}

var (
	_ fio.Reader           = (*Reader)(nil)
	_ fio.FeatureExtractor = (*Reader)(nil)
)

// Option configures a PCAP reader.
type Option func(*Reader) error

// WithFilter applies a BPF filter expression to the capture.
func WithFilter(expr string) Option {
	return func(r *Reader) error {
		if expr == "" {
			return nil
		}
		if err := r.handle.SetBPFFilter(expr); err != nil {
			return fmt.Errorf("setting filter %q: %w", expr, err)
		}
		return nil
	}
}

// WithLimit stops Read after n packets. Zero means no limit, which never
// returns on a live capture.
func WithLimit(n int) Option {
	return func(r *Reader) error {
		if n < 0 {
			return fmt.Errorf("packet limit must be non-negative, got %d", n)
		}
		r.limit = n
		return nil
	}
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}
	return newReader(handle, false, opts)
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration, opts ...Option) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}
	return newReader(handle, true, opts)
}

func newReader(handle *pcap.Handle, live bool, opts []Option) (*Reader, error) {
	r := &Reader{
		handle:    handle,
		extractor: packet.NewExtractor(),
		isLive:    live,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return r, nil
}

// FeatureNames returns the names of the columns produced by Read and Stream.
func (r *Reader) FeatureNames() []string {
	return r.extractor.FeatureNames()
}

// Read returns every packet as an unlabelled dataset row.
func (r *Reader) Read() (*fio.Dataset, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}
	if r.isLive && r.limit == 0 {
		return nil, errors.New("reading a live capture requires a packet limit")
	}

	ds := &fio.Dataset{Features: r.FeatureNames()}
	for pkt := range r.packets().Packets() {
		ds.X = append(ds.X, r.extractor.Extract(pkt))
		if r.limit > 0 && len(ds.X) >= r.limit {
			break
		}
	}
	return ds, nil
}

// Stream returns a channel of feature vectors for real-time processing,
// indexed by packet number.
func (r *Reader) Stream(ctx context.Context) (<-chan fio.Sample, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan fio.Sample, 1000)
	source := r.packets()

	go func() {
		defer close(out)
		sent := 0
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-source.Packets():
				if !ok {
					return
				}
				select {
				case out <- fio.Sample{Index: sent, Values: r.extractor.Extract(pkt)}:
				case <-ctx.Done():
					return
				}
				sent++
				if r.limit > 0 && sent >= r.limit {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}
	return nil
}

func (r *Reader) packets() *gopacket.PacketSource {
	return gopacket.NewPacketSource(r.handle, r.handle.LinkType())
}
