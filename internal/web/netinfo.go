package web

import (
	"net"
	"net/netip"
	"slices"
)

// localInterfaceAddrs lists the routable IPv4 prefixes plotters can use to reach the bus,
// formatted "iface: prefix".
func localInterfaceAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			n, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(n.IP)
			ip = ip.Unmap()
			if !ok || !ip.Is4() || ip.IsLinkLocalUnicast() {
				continue
			}
			ones, _ := n.Mask.Size()
			out = append(out, ifc.Name+": "+netip.PrefixFrom(ip, ones).String())
		}
	}
	slices.Sort(out)
	return out
}
