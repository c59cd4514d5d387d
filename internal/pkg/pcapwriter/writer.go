// Package pcapwriter saves dissected packets to a pcap file from many
// goroutines through a single write loop.
package pcapwriter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/logger"
)

// ErrClosed is returned by WritePacket after Close.
var ErrClosed = errors.New("pcap writer is closed")

// Packet is one frame queued for writing.
type Packet struct {
	Data []byte
	Info gopacket.CaptureInfo
}

// Config for PCAP writer
type Config struct {
	FilePath     string          // Path to PCAP file
	LinkType     layers.LinkType // Link type written in the file header
	Snaplen      uint32
	BufferSize   int           // Queue size between callers and the write loop
	SyncInterval time.Duration // How often to sync to disk (0 disables periodic sync)
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		LinkType:     layers.LinkTypeEthernet,
		Snaplen:      constants.DefaultMaxPacketSize,
		BufferSize:   constants.OutputQueueBuffer,
		SyncInterval: 5 * time.Second,
	}
}

// Writer appends packets to a pcap stream. WritePacket may be called from
// any goroutine; packets are written in the order they are queued.
type Writer struct {
	name   string
	out    io.Writer
	file   *os.File
	writer *pcapgo.Writer

	mu      sync.RWMutex
	closed  bool
	packets chan Packet
	done    chan struct{}
	err     error

	packetCount  atomic.Int64
	bytesWritten atomic.Int64
	syncs        atomic.Int64
	syncing      bool
}

// New creates config.FilePath and starts the write loop.
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	file, err := os.Create(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCAP file: %w", err)
	}
	w, err := newWriter(config.FilePath, file, file, config)
	if err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// NewStream writes to out instead of a file. Closing the Writer does not
// close out.
func NewStream(out io.Writer, config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	return newWriter("stream", out, nil, config)
}

// newWriter writes the file header and starts the write loop. file is nil
// for streams and must be set before the loop starts.
func newWriter(name string, out io.Writer, file *os.File, config *Config) (*Writer, error) {
	snaplen := config.Snaplen
	if snaplen == 0 {
		snaplen = constants.DefaultMaxPacketSize
	}
	bufSize := config.BufferSize
	if bufSize <= 0 {
		bufSize = constants.OutputQueueBuffer
	}

	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(snaplen, config.LinkType); err != nil {
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}

	w := &Writer{
		name:    name,
		out:     out,
		file:    file,
		writer:  pw,
		packets: make(chan Packet, bufSize),
		done:    make(chan struct{}),
	}
	w.syncing = config.SyncInterval > 0 && file != nil
	go w.writeLoop(config.SyncInterval)

	logger.Info("Created PCAP writer", "file", name, "link_type", config.LinkType.String(), "buffer_size", bufSize)
	return w, nil
}

// WritePacket queues pkt, blocking while the queue is full.
func (w *Writer) WritePacket(pkt Packet) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.packets <- pkt
	return nil
}

func (w *Writer) writeLoop(syncInterval time.Duration) {
	defer close(w.done)

	var tick <-chan time.Time
	if w.syncing {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case pkt, ok := <-w.packets:
			if !ok {
				return
			}
			if err := w.writer.WritePacket(pkt.Info, pkt.Data); err != nil {
				logger.Error("Failed to write packet", "error", err, "file", w.name)
				if w.err == nil {
					w.err = err
				}
				continue
			}
			w.packetCount.Add(1)
			w.bytesWritten.Add(int64(len(pkt.Data)))
		case <-tick:
			if err := w.file.Sync(); err != nil {
				logger.Warn("Failed to sync PCAP file", "error", err, "file", w.name)
				continue
			}
			w.syncs.Add(1)
		}
	}
}

// Close flushes every queued packet and closes the file. It returns the
// first write error, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.packets)
	w.mu.Unlock()

	<-w.done

	err := w.err
	if w.file != nil {
		if serr := w.file.Sync(); serr != nil {
			logger.Warn("Failed to sync PCAP file", "error", serr, "file", w.name)
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close PCAP file: %w", cerr)
		}
	}

	logger.Info("Closed PCAP writer",
		"file", w.name,
		"packets", w.packetCount.Load(),
		"bytes", w.bytesWritten.Load())
	return err
}

// Stats returns current writer statistics
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return w.packetCount.Load(), w.bytesWritten.Load()
}

// Syncs returns how many periodic syncs the write loop has done.
func (w *Writer) Syncs() int64 {
	return w.syncs.Load()
}

// FilePath returns the file path being written to
func (w *Writer) FilePath() string {
	return w.name
}
