package xtool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"syscall"
	"time"
)

// Discovery protocol constants. Devices listen for broadcast probes on UDP
// port 20000 and answer with a unicast datagram echoing the request id.
const (
	discoveryPort = 20000

	// minDiscoveryWindow is the floor enforced on the listen window.
	minDiscoveryWindow = 1 * time.Second
)

// discoveryResponse is one datagram from a device answering a probe.
type discoveryResponse struct {
	RequestID int    `json:"requestId"`
	IP        string `json:"ip"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// Discover broadcasts a probe on the local network and collects responses
// for the given window (minimum 1 second).
//
// Discovery is best effort: socket errors (bind failure, permission denial)
// degrade to an empty result rather than an error, since absence of devices
// is not exceptional. Responses with a mismatched request id or an empty ip
// field are discarded; repeated advertisements from the same host collapse
// to the last message received.
//
// The blocking socket work runs inline, so call from a goroutine when the
// caller must not stall.
func Discover(ctx context.Context, window time.Duration, logger Logger) []DiscoveredDevice {
	if logger == nil {
		logger = noopLogger{}
	}
	if window < minDiscoveryWindow {
		window = minDiscoveryWindow
	}

	lc := net.ListenConfig{Control: setBroadcastOptions}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", discoveryPort))
	if err != nil {
		logger.Warn("discovery socket unavailable", "error", err)
		return []DiscoveredDevice{}
	}
	defer conn.Close()

	requestID := 100000 + rand.Intn(900000)
	probe, _ := json.Marshal(map[string]int{"requestId": requestID})

	broadcast := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: discoveryPort,
	}
	if _, err := conn.WriteTo(probe, broadcast); err != nil {
		logger.Warn("discovery broadcast failed", "error", err)
		return []DiscoveredDevice{}
	}

	return collectResponses(conn, requestID, time.Now().Add(window), logger)
}

// collectResponses reads datagrams until the deadline, keeping the last
// valid response per distinct host.
func collectResponses(conn net.PacketConn, requestID int, deadline time.Time, logger Logger) []DiscoveredDevice {
	found := make(map[string]DiscoveredDevice)
	buf := make([]byte, 2048)

	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			break
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}

		var resp discoveryResponse
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			continue
		}
		if resp.RequestID != requestID || resp.IP == "" {
			continue
		}
		found[resp.IP] = DiscoveredDevice{
			Host:    resp.IP,
			Name:    resp.Name,
			Version: resp.Version,
		}
	}

	devices := make([]DiscoveredDevice, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Host < devices[j].Host
	})
	logger.Debug("discovery window closed", "devices", len(devices))
	return devices
}

// setBroadcastOptions enables SO_BROADCAST and SO_REUSEADDR on the
// discovery socket. Both directions of the protocol use port 20000, so
// address reuse keeps discovery working alongside other listeners.
func setBroadcastOptions(network, address string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
		if optErr != nil {
			return
		}
		optErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}
