package db

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestIPAddr(t *testing.T) {
	t.Run("scan_string", func(t *testing.T) {
		var ip IPAddr
		require.NoError(t, ip.Scan("192.168.1.10"))
		assert.Equal(t, "192.168.1.10", ip.String())
	})

	t.Run("scan_bytes_with_prefix", func(t *testing.T) {
		var ip IPAddr
		require.NoError(t, ip.Scan([]byte("10.0.0.2/32")))
		assert.Equal(t, "10.0.0.2", ip.String())
	})

	t.Run("scan_nil", func(t *testing.T) {
		var ip IPAddr
		require.NoError(t, ip.Scan(nil))
		assert.Equal(t, "", ip.String())
	})

	t.Run("scan_garbage", func(t *testing.T) {
		var ip IPAddr
		assert.Error(t, ip.Scan("not-an-ip"))
		assert.Error(t, ip.Scan(42))
	})

	t.Run("value", func(t *testing.T) {
		v, err := IPAddr{}.Value()
		require.NoError(t, err)
		assert.Nil(t, v)

		ip, err := ParseIPAddr("10.1.2.3")
		require.NoError(t, err)
		v, err = ip.Value()
		require.NoError(t, err)
		assert.Equal(t, "10.1.2.3", v)
	})

	t.Run("uint32_is_numeric", func(t *testing.T) {
		a, _ := ParseIPAddr("10.0.0.2")
		b, _ := ParseIPAddr("10.0.0.10")
		assert.Less(t, a.Uint32(), b.Uint32())
		assert.Equal(t, uint32(0x0A00000A), b.Uint32())
	})

	t.Run("parse_rejects_ipv6", func(t *testing.T) {
		_, err := ParseIPAddr("fe80::1")
		assert.Error(t, err)
	})
}

func TestJSONB(t *testing.T) {
	t.Run("scan_and_map", func(t *testing.T) {
		var j JSONB
		require.NoError(t, j.Scan([]byte(`{"openPorts":[{"port":22,"protocol":"tcp"}],"note":"x"}`)))
		m := j.Map()
		assert.Equal(t, "x", m["note"])
		assert.Len(t, m[InfoOpenPorts], 1)
	})

	t.Run("map_of_invalid_is_empty", func(t *testing.T) {
		assert.Empty(t, JSONB(`{broken`).Map())
		assert.Empty(t, JSONB(nil).Map())
	})

	t.Run("marshal_inside_struct", func(t *testing.T) {
		h := Host{Status: HostStatusOnline, AdditionalInfo: JSONB(`{"a":1}`)}
		data, err := json.Marshal(h)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"additionalInfo":{"a":1}`)
	})

	t.Run("new_jsonb", func(t *testing.T) {
		j, err := NewJSONB(map[string]int{"a": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(j))
	})
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, IsEmptyValue(nil))
	assert.True(t, IsEmptyValue(strPtr("")))
	assert.True(t, IsEmptyValue(strPtr("   ")))
	assert.True(t, IsEmptyValue(strPtr("--")))
	assert.False(t, IsEmptyValue(strPtr("nas")))
}

func TestValidHostStatus(t *testing.T) {
	for _, s := range []string{HostStatusOnline, HostStatusOffline, HostStatusUnknown} {
		assert.True(t, ValidHostStatus(s), s)
	}
	assert.False(t, ValidHostStatus("up"))
}
