package s7

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"dbscope/logging"
)

const defaultS7Port = 102

// DiscoveredDevice identifies a PLC that answered a CPU-info request.
type DiscoveredDevice struct {
	IP         net.IP
	Port       uint16
	Rack       int
	Slot       int
	ModuleType string
	ModuleName string
	Serial     string
}

// probeFunc connects to one host and identifies it. Replaced in tests.
type probeFunc func(ip net.IP, rack, slot int, timeout time.Duration) (*CPUInfo, error)

func probeCPU(ip net.IP, rack, slot int, timeout time.Duration) (*CPUInfo, error) {
	c, err := Connect(fmt.Sprintf("%s:%d", ip, defaultS7Port), WithRackSlot(rack, slot), WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.GetCPUInfo()
}

// Discover probes every address for an S7 CPU, trying rack 0 slot 0
// (S7-1200/1500) and then rack 0 slot 2 (S7-300/400).
// Results are sorted by IP.
func Discover(ctx context.Context, ips []net.IP, timeout time.Duration, concurrency int) []DiscoveredDevice {
	return discover(ctx, ips, timeout, concurrency, probeCPU)
}

func discover(ctx context.Context, ips []net.IP, timeout time.Duration, concurrency int, probe probeFunc) []DiscoveredDevice {
	if len(ips) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []DiscoveredDevice
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			for _, slot := range []int{0, 2} {
				info, err := probe(ip, 0, slot, timeout)
				if err != nil {
					continue
				}
				logging.DebugLog("s7", "discovered %s on %s slot %d", info.ModuleTypeName, ip, slot)
				mu.Lock()
				results = append(results, DiscoveredDevice{
					IP:         ip,
					Port:       defaultS7Port,
					Slot:       slot,
					ModuleType: info.ModuleTypeName,
					ModuleName: info.ModuleName,
					Serial:     info.SerialNumber,
				})
				mu.Unlock()
				return
			}
		}(ip)
	}

	wg.Wait()
	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(results[i].IP.To16(), results[j].IP.To16()) < 0
	})
	return results
}

// DiscoverSubnet scans a subnet for S7 PLCs.
// cidr is in the format "192.168.1.0/24".
func DiscoverSubnet(ctx context.Context, cidr string, timeout time.Duration, concurrency int) ([]DiscoveredDevice, error) {
	ips, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return Discover(ctx, ips, timeout, concurrency), nil
}

// ExpandRange returns every IPv4 address from first to last inclusive.
func ExpandRange(first, last string) ([]net.IP, error) {
	from := net.ParseIP(first).To4()
	to := net.ParseIP(last).To4()
	if from == nil || to == nil {
		return nil, fmt.Errorf("invalid IPv4 range %s-%s", first, last)
	}
	if bytes.Compare(from, to) > 0 {
		return nil, fmt.Errorf("range start %s is after end %s", first, last)
	}

	var ips []net.IP
	for ip := append(net.IP(nil), from...); bytes.Compare(ip, to) <= 0; inc(ip) {
		ips = append(ips, append(net.IP(nil), ip...))
		if ip.Equal(net.IPv4bcast) {
			break
		}
	}
	return ips, nil
}

// expandCIDR expands a CIDR notation to a list of IP addresses.
func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}

	ones, bits := ipnet.Mask.Size()
	var ips []net.IP
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		// Skip network and broadcast addresses for /24 and larger
		if bits-ones >= 8 {
			if ip[len(ip)-1] == 0 || ip[len(ip)-1] == 255 {
				continue
			}
		}
		ips = append(ips, append(net.IP(nil), ip...))
	}

	return ips, nil
}

// inc increments an IP address.
func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
