package cmd

import (
	"bufio"
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
	"github.com/spf13/cobra"

	"github.com/endorses/wdpool/internal/pkg/cmdutil"
	"github.com/endorses/wdpool/internal/pkg/config"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/dfilter"
	"github.com/endorses/wdpool/internal/pkg/logger"
	"github.com/endorses/wdpool/internal/pkg/metrics"
	"github.com/endorses/wdpool/internal/pkg/output"
	"github.com/endorses/wdpool/internal/pkg/packetlib"
	"github.com/endorses/wdpool/internal/pkg/pcapwriter"
	"github.com/endorses/wdpool/internal/pkg/pool"
	"github.com/endorses/wdpool/internal/pkg/registry"
	"github.com/endorses/wdpool/internal/pkg/session"
	"github.com/endorses/wdpool/internal/pkg/signals"
)

var dissectCmd = &cobra.Command{
	Use:   "dissect",
	Short: "Dissect a capture file with a pool of sessions",
	Long: `Read packets from a pcap or pcapng file and dissect them with one
session per worker. Each decoded packet is written as one JSON line.

Examples:
  wdpool dissect -r capture.pcap
  wdpool dissect -r capture.pcap -w 8 --mode fast -e ip.src -e udp.port
  wdpool dissect -r capture.pcap --filter 'udp.port == 53' --show
  wdpool dissect -r capture.pcap --filter 'dns' --write-file dns.pcap
  wdpool dissect -r capture.pcap --pdml`,
	RunE: runDissectCmd,
}

var (
	readFile      string
	dissectProto  string
	dissectMode   string
	dissectDir    string
	dissectFields []string
	dissectFilter string
	dissectShow   bool
	dissectPDML   bool
	writeFile     string
	metricsFile   string
)

func init() {
	dissectCmd.Flags().StringVarP(&readFile, "read-file", "r", "", "pcap or pcapng file to read (required)")
	dissectCmd.Flags().IntP("workers", "w", 4, "number of worker sessions")
	dissectCmd.Flags().StringVarP(&dissectProto, "protocol", "p", "", "binding for every session (proto:<name> or encap:<linktype>); default is the file's link type")
	dissectCmd.Flags().StringVar(&dissectMode, "mode", "", "dissection mode (fast, normal, full)")
	dissectCmd.Flags().StringVar(&dissectDir, "direction", "", "packet direction (sent, received, unknown)")
	dissectCmd.Flags().StringSliceVarP(&dissectFields, "field", "e", nil, "field to print, repeatable")
	dissectCmd.Flags().StringVarP(&dissectFilter, "filter", "Y", "", "display filter; non-matching packets are skipped")
	dissectCmd.Flags().BoolVar(&dissectShow, "show", false, "include the rendered packet tree")
	dissectCmd.Flags().BoolVar(&dissectPDML, "pdml", false, "include the packet tree as a PDML document")
	dissectCmd.Flags().StringVar(&writeFile, "write-file", "", "also save packets that pass the filter to this pcap file")
	dissectCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write pool and session metrics in Prometheus text format when done")
	_ = dissectCmd.MarkFlagRequired("read-file")
}

// dissectOptions is everything a dissect run needs besides its input and
// output streams.
type dissectOptions struct {
	Pool        pool.Config
	Workers     int
	Protocol    string
	Mode        decoder.Mode
	Direction   decoder.Direction
	Fields      []string
	Filter      string
	Show        bool
	PDML        bool
	WriteFile   string
	MetricsFile string
}

// packetRecord is one line of dissect output.
type packetRecord struct {
	Number    int                 `json:"number"`
	Timestamp time.Time           `json:"timestamp"`
	SessionID string              `json:"session_id"`
	Session   int                 `json:"session"`
	Protocol  string              `json:"protocol"`
	Summary   string              `json:"summary"`
	Layers    []string            `json:"layers"`
	Malformed bool                `json:"malformed,omitempty"`
	Fields    map[string][]string `json:"fields,omitempty"`
	Tree      string              `json:"tree,omitempty"`
	PDML      string              `json:"pdml,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type rawPacket struct {
	number int
	data   []byte
	ci     gopacket.CaptureInfo
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func runDissectCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := buildDissectOptions(cmd, cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(readFile)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	ctx, stop := signals.WithShutdown(cmd.Context())
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	stats, err := runDissect(ctx, opts, f, out)
	logger.Info("Dissection finished",
		"packets", stats.Read,
		"written", stats.Written,
		"saved", stats.Saved,
		"errors", stats.Errors)
	return err
}

func buildDissectOptions(cmd *cobra.Command, cfg *config.Config) (dissectOptions, error) {
	pc, err := cfg.PoolConfig()
	if err != nil {
		return dissectOptions{}, err
	}

	mode, err := decoder.ParseMode(cmdutil.GetStringConfig(config.KeyPoolDefaultMode, dissectMode))
	if err != nil {
		return dissectOptions{}, err
	}
	dir, err := decoder.ParseDirection(cmdutil.GetStringConfig(config.KeyPoolDirection, dissectDir))
	if err != nil {
		return dissectOptions{}, err
	}

	return dissectOptions{
		Pool:        pc,
		Workers:     cmdutil.GetIntConfig(cmd, "workers", config.KeyDecodeWorkers),
		Protocol:    dissectProto,
		Mode:        mode,
		Direction:   dir,
		Fields:      cmdutil.GetStringSliceConfig(config.KeyDecodeFields, dissectFields),
		Filter:      dissectFilter,
		Show:        dissectShow,
		PDML:        dissectPDML,
		WriteFile:   writeFile,
		MetricsFile: metricsFile,
	}, nil
}

// openCapture accepts either pcap or pcapng input.
func openCapture(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	// pcapng files start with a section header block
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

type dissectStats struct {
	Read    int
	Written int
	Saved   int
	Errors  int
}

// runDissect reads packets from r, fans them out round-robin to
// opts.Workers sessions and writes one JSON line per decoded packet to w.
// Output order across workers is not defined.
func runDissect(ctx context.Context, opts dissectOptions, r io.Reader, w io.Writer) (dissectStats, error) {
	var stats dissectStats

	src, err := openCapture(r)
	if err != nil {
		return stats, err
	}

	protocol := opts.Protocol
	if protocol == "" {
		protocol = registry.EncapName(int(src.LinkType()))
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Pool.Capacity > 0 && opts.Workers > opts.Pool.Capacity {
		opts.Workers = opts.Pool.Capacity
	}

	pctx := pool.New(packetlib.New(), opts.Pool)
	if err := pctx.Bootstrap(); err != nil {
		return stats, err
	}

	var filter *dfilter.Filter
	if opts.Filter != "" {
		filter, err = pctx.Library().CompileFilter(opts.Filter)
		if err != nil {
			return stats, err
		}
	}

	var save *pcapwriter.Writer
	if opts.WriteFile != "" {
		pc := pcapwriter.DefaultConfig()
		pc.FilePath = opts.WriteFile
		pc.LinkType = src.LinkType()
		save, err = pcapwriter.New(pc)
		if err != nil {
			return stats, err
		}
	}
	closeSave := func() error {
		if save == nil {
			return nil
		}
		err := save.Close()
		n, _ := save.Stats()
		stats.Saved = int(n)
		save = nil
		return err
	}
	defer closeSave()

	lw := output.NewLineWriter(w)
	workers := make([]*dissectWorker, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		dw, err := newDissectWorker(pctx, protocol, opts, filter, lw, save)
		if err != nil {
			for _, prev := range workers {
				prev.th.Close()
			}
			return stats, err
		}
		workers = append(workers, dw)
	}

	log := logger.Component("dissect")
	log.Info("Dissecting capture",
		"link_type", src.LinkType().String(),
		"protocol", protocol,
		"workers", len(workers),
		"mode", opts.Mode.String())

	var wg sync.WaitGroup
	for _, dw := range workers {
		wg.Add(1)
		go func(dw *dissectWorker) {
			defer wg.Done()
			dw.run()
		}(dw)
	}

	var readErr error
read:
	for n := 1; ; n++ {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("read packet %d: %w", n, err)
			break
		}
		stats.Read++

		select {
		case workers[(n-1)%len(workers)].in <- rawPacket{number: n, data: data, ci: ci}:
		case <-ctx.Done():
			break read
		}
	}

	for _, dw := range workers {
		close(dw.in)
	}
	wg.Wait()

	// sessions are still live here, so per-session series are included
	if opts.MetricsFile != "" {
		if err := writeMetrics(pctx, opts.MetricsFile); err != nil && readErr == nil {
			readErr = err
		}
	}

	for _, dw := range workers {
		stats.Errors += dw.errors
		dw.th.Close()
	}
	stats.Written = int(lw.Count())
	if err := closeSave(); err != nil && readErr == nil {
		readErr = err
	}

	st := pctx.Stats()
	log.Debug("Pool drained", "live", st.Live, "capacity", st.Capacity)
	return stats, readErr
}

func writeMetrics(pctx *pool.Context, path string) error {
	reg, err := metrics.NewRegistry(pctx)
	if err != nil {
		return err
	}
	return metrics.WriteFile(path, reg)
}

type dissectWorker struct {
	th     *pool.Thread
	s      *session.Session
	fields map[string]*decoder.FieldDef
	names  []string
	filter *dfilter.Filter
	show   bool
	pdml   bool
	out    *output.LineWriter
	save   *pcapwriter.Writer
	in     chan rawPacket
	errors int
}

func newDissectWorker(pctx *pool.Context, protocol string, opts dissectOptions, filter *dfilter.Filter, out *output.LineWriter, save *pcapwriter.Writer) (*dissectWorker, error) {
	th := pctx.NewThread()
	s, err := th.CreateSession(protocol)
	if err != nil {
		th.Close()
		return nil, err
	}

	dw := &dissectWorker{
		th:     th,
		s:      s,
		fields: make(map[string]*decoder.FieldDef, len(opts.Fields)),
		filter: filter,
		show:   opts.Show,
		pdml:   opts.PDML,
		out:    out,
		save:   save,
		in:     make(chan rawPacket, constants.WorkerQueueBuffer),
	}

	fail := func(err error) (*dissectWorker, error) {
		th.Close()
		return nil, err
	}
	if err := s.SetMode(opts.Mode); err != nil {
		return fail(err)
	}
	if err := s.SetDirection(opts.Direction); err != nil {
		return fail(err)
	}
	for _, name := range opts.Fields {
		def, err := s.Field(name)
		if err != nil {
			return fail(err)
		}
		if _, err := s.RegisterField(def); err != nil {
			return fail(err)
		}
		dw.fields[name] = def
		dw.names = append(dw.names, name)
	}
	if filter != nil {
		if err := s.RegisterFilter(filter); err != nil {
			return fail(err)
		}
	}
	return dw, nil
}

func (dw *dissectWorker) run() {
	for pkt := range dw.in {
		rec := packetRecord{
			Number:    pkt.number,
			Timestamp: pkt.ci.Timestamp,
			SessionID: dw.s.ID(),
			Session:   dw.s.Index(),
		}

		if err := dw.th.Decode(dw.s, pkt.data); err != nil {
			dw.errors++
			rec.Error = err.Error()
			dw.write(rec)
			continue
		}
		if dw.filter != nil && !dw.s.ReadFilter(dw.filter) {
			continue
		}
		if dw.save != nil {
			if err := dw.save.WritePacket(pcapwriter.Packet{Data: pkt.data, Info: pkt.ci}); err != nil {
				logger.Error("Failed to save packet", "number", pkt.number, "error", err)
			}
		}

		rec.Protocol = dw.s.Protocol()
		rec.Summary = dw.s.Summary()
		rec.Layers = dw.s.Dissectors()
		rec.Malformed = dw.s.Malformed()
		if len(dw.names) > 0 {
			rec.Fields = make(map[string][]string, len(dw.names))
			for _, name := range dw.names {
				for _, m := range dw.s.ReadAllFields(dw.fields[name]) {
					rec.Fields[name] = append(rec.Fields[name], m.String())
				}
			}
		}
		if dw.show {
			tree, err := dw.s.Show(dw.th.Switchboard())
			if err != nil {
				rec.Error = err.Error()
			}
			rec.Tree = tree
		}
		if dw.pdml {
			doc, err := dw.s.ShowPDML(dw.th.Switchboard())
			if err != nil {
				rec.Error = err.Error()
			}
			rec.PDML = doc
		}
		dw.write(rec)
	}
}

func (dw *dissectWorker) write(rec packetRecord) {
	if err := dw.out.Write(rec); err != nil {
		logger.Error("Failed to write record", "number", rec.Number, "error", err)
	}
}
