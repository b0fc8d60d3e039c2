package snmp

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/lanwatch/internal/plugins"
	"github.com/anstrom/lanwatch/internal/priority"
)

type fakeClient struct {
	connectErr error
	arp        []gosnmp.SnmpPDU
	name       string
	closed     bool
}

func (f *fakeClient) Connect() error { return f.connectErr }

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func (f *fakeClient) Get([]string) (*gosnmp.SnmpPacket, error) {
	if f.name == "" {
		return nil, stderrors.New("no such object")
	}
	return &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{
		{Name: oidSysName, Type: gosnmp.OctetString, Value: []byte(f.name)},
	}}, nil
}

func (f *fakeClient) BulkWalk(_ string, fn gosnmp.WalkFunc) error {
	for _, pdu := range f.arp {
		if err := fn(pdu); err != nil {
			return err
		}
	}
	return nil
}

func arpPDU(index string, mac []byte) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oidIPNetToMediaPhysAddress + "." + index, Type: gosnmp.OctetString, Value: mac}
}

func TestArpEntry(t *testing.T) {
	d, ok := arpEntry(arpPDU("3.192.168.1.10", []byte{0xaa, 0xbb, 0xcc, 0x00, 0x11, 0x22}))
	require.True(t, ok)
	assert.Equal(t, plugins.Device{IP: "192.168.1.10", MAC: "aa:bb:cc:00:11:22"}, d)

	_, ok = arpEntry(arpPDU("3.192.168.1.10", []byte{0xaa}))
	assert.False(t, ok)

	_, ok = arpEntry(gosnmp.SnmpPDU{Name: oidIPNetToMediaPhysAddress + ".3.192.168.1.10", Type: gosnmp.Integer, Value: 5})
	assert.False(t, ok)

	_, ok = arpEntry(arpPDU("3.999.1.1.1", []byte{1, 2, 3, 4, 5, 6}))
	assert.False(t, ok)
}

func TestProviderStats(t *testing.T) {
	clients := map[string]*fakeClient{
		"192.168.1.1": {
			name: "core-router",
			arp: []gosnmp.SnmpPDU{
				arpPDU("2.192.168.1.10", []byte{0, 1, 2, 3, 4, 5}),
				arpPDU("2.192.168.1.11", []byte{0, 1, 2, 3, 4, 6}),
			},
		},
		"192.168.1.2": {
			arp: []gosnmp.SnmpPDU{
				arpPDU("7.192.168.1.11", []byte{0, 1, 2, 3, 4, 6}),
				arpPDU("7.192.168.1.12", []byte{0, 1, 2, 3, 4, 7}),
			},
		},
		"192.168.1.3": {connectErr: stderrors.New("unreachable")},
	}

	p := New(Config{Targets: []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"}})
	p.newClient = func(_ context.Context, target string) client { return clients[target] }

	assert.Equal(t, priority.SourceSNMP, p.Source())

	stats, err := p.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []plugins.Device{
		{IP: "192.168.1.10", MAC: "00:01:02:03:04:05"},
		{IP: "192.168.1.11", MAC: "00:01:02:03:04:06"},
		{IP: "192.168.1.1", Hostname: "core-router"},
		{IP: "192.168.1.12", MAC: "00:01:02:03:04:07"},
	}, stats.Devices)
	assert.True(t, clients["192.168.1.1"].closed)
	assert.True(t, clients["192.168.1.2"].closed)
}

func TestProviderAllTargetsFail(t *testing.T) {
	p := New(Config{Targets: []string{"10.0.0.1"}})
	p.newClient = func(context.Context, string) client {
		return &fakeClient{connectErr: stderrors.New("refused")}
	}

	_, err := p.Stats(context.Background())
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, "public", p.config.Community)
	assert.Equal(t, uint16(161), p.config.Port)
	assert.Equal(t, defaultTimeout, p.config.Timeout)

	c, ok := p.dial(context.Background(), "10.0.0.1").(goSNMPClient)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", c.Target)
	assert.Equal(t, gosnmp.Version2c, c.Version)
	assert.NoError(t, c.Close())
}
