package packetlib_test

import (
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/wdpool/internal/pkg/packetlib"
	"github.com/endorses/wdpool/internal/pkg/pool"
)

func udpDatagram(t *testing.T, srcPort uint16) []byte {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 1, 0, 1}, DstIP: net.IP{10, 1, 0, 2},
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 40001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload([]byte("abc"))))
	return buf.Bytes()
}

// Sessions bound to different decoders through the shared binding table
// must keep their own protocol and field values under concurrent decoding.
func TestPool_RealDecoderIsolation(t *testing.T) {
	pctx := pool.New(packetlib.New(), pool.DefaultConfig())
	require.NoError(t, pctx.Bootstrap())

	asIP := udpDatagram(t, 1111)
	asUDP := asIP[20:]

	cases := []struct {
		binding  string
		data     []byte
		protocol string
		port     string
	}{
		{"proto:ip", asIP, "UDP", "1111"},
		{"proto:udp", asUDP, "UDP", "1111"},
		{"encap:raw", udpDatagram(t, 2222), "UDP", "2222"},
	}

	var wg sync.WaitGroup
	for _, tc := range cases {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := pctx.NewThread()
			defer th.Close()

			s, err := th.CreateSession(tc.binding)
			if !assert.NoError(t, err) {
				return
			}
			def, err := s.Field("udp.srcport")
			if !assert.NoError(t, err) {
				return
			}
			if _, err := s.RegisterField(def); !assert.NoError(t, err) {
				return
			}

			for i := 0; i < 1000; i++ {
				if err := th.Decode(s, tc.data); !assert.NoError(t, err) {
					return
				}
				m, ok := s.ReadField(def)
				if !assert.True(t, ok) {
					return
				}
				if m.String() != tc.port || s.Protocol() != tc.protocol {
					t.Errorf("%s: got port %s protocol %s", tc.binding, m.String(), s.Protocol())
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pctx.CheckInvariants())
	assert.Equal(t, 0, pctx.Stats().Live)
}

func TestPool_UserEncapLayerHidden(t *testing.T) {
	pctx := pool.New(packetlib.New(), pool.DefaultConfig())
	th := pctx.NewThread()
	defer th.Close()

	s, err := th.CreateSession("ip")
	require.NoError(t, err)
	require.NoError(t, th.Decode(s, udpDatagram(t, 3333)))

	assert.Equal(t, []string{"frame", "user_dlt", "ip", "udp", "data"}, s.Layers())
	assert.Equal(t, []string{"ip", "udp", "data"}, s.Dissectors())
	assert.Equal(t, 3, s.DissectorsCount())
	assert.Contains(t, s.Summary(), "3333")
}
