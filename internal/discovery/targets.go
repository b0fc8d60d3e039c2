package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/anstrom/lanwatch/internal/errors"
)

// maxNetworkSizeBits limits sweeps to /16 or smaller networks.
const maxNetworkSizeBits = 16

// Targets lists the host addresses of cidr in ascending order, at most
// maxHosts of them when maxHosts is positive. Network and broadcast addresses
// are skipped for /30 and larger networks.
func Targets(cidr string, maxHosts int) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return nil, errors.WrapDiscoveryError(errors.CodeTargetInvalid, "invalid network range", cidr, err)
	}
	return generateTargetsFromCIDR(*ipnet, maxHosts)
}

func generateTargetsFromCIDR(ipnet net.IPNet, maxHosts int) ([]string, error) {
	ip4 := ipnet.IP.To4()
	ones, bits := ipnet.Mask.Size()
	if ip4 == nil || bits != 32 {
		return nil, errors.WrapDiscoveryError(errors.CodeTargetInvalid,
			"only IPv4 networks are supported", ipnet.String(), nil)
	}
	if ones < maxNetworkSizeBits {
		return nil, errors.WrapDiscoveryError(errors.CodeTargetInvalid,
			fmt.Sprintf("network too large: /%d exceeds the /%d limit", ones, maxNetworkSizeBits),
			ipnet.String(), nil)
	}

	start := binary.BigEndian.Uint32(ip4)
	first, last := start, start+(uint32(1)<<(32-ones))-1
	if ones <= 30 {
		first++
		last--
	}

	targets := make([]string, 0, min(int(last-first)+1, capHint(maxHosts)))
	for n := first; ; n++ {
		if maxHosts > 0 && len(targets) >= maxHosts {
			break
		}
		targets = append(targets, uint32ToIP(n).String())
		if n == last {
			break
		}
	}
	return targets, nil
}

func capHint(maxHosts int) int {
	if maxHosts <= 0 {
		return 1 << (32 - maxNetworkSizeBits)
	}
	return maxHosts
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

// detectRange returns the network of the first non-loopback IPv4 address in
// addrs, widened no further than /16.
func detectRange(addrs []net.Addr) (string, bool) {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLinkLocalUnicast() {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		if bits != 32 {
			continue
		}
		if ones < maxNetworkSizeBits {
			ones = maxNetworkSizeBits
		}
		mask := net.CIDRMask(ones, 32)
		network := net.IPNet{IP: ip4.Mask(mask), Mask: mask}
		return network.String(), true
	}
	return "", false
}
