package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
)

const (
	NetworkVPN    = "vpn"
	NetworkDirect = "direct"

	defaultProbeTimeout = 5 * time.Second
)

// tunnelInterfacePrefixes name the interfaces VPN clients usually create
var tunnelInterfacePrefixes = []string{"tun", "tap", "utun", "wg", "ppp", "ipsec"}

// alternativeSMTPPorts are suggested when the requested port looks blocked
var alternativeSMTPPorts = []int{587, 465, 2525}

// PortProbe checks raw TCP reachability of an SMTP endpoint
type PortProbe struct {
	timeout    time.Duration
	interfaces func() ([]net.Interface, error)
}

// NewPortProbe creates a probe dialing with the given timeout
func NewPortProbe(timeout time.Duration) *PortProbe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &PortProbe{timeout: timeout, interfaces: net.Interfaces}
}

// Probe dials host:port once and classifies the outcome
func (p *PortProbe) Probe(ctx context.Context, host string, port int) *models.ConnectionTestResult {
	result := &models.ConnectionTestResult{DetectedNetwork: p.detectNetwork()}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err == nil {
		conn.Close()
		result.Success = true
		result.Message = fmt.Sprintf("Port %d on %s is reachable", port, host)
		return result
	}

	result.Message, result.Suggestion = p.describeDialError(err, host, port)
	return result
}

// describeDialError turns a failed dial into a message and a suggestion for the user
func (p *PortProbe) describeDialError(err error, host string, port int) (string, string) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("Could not resolve %s: check the SMTP host name", host),
			"Use the provider's SMTP host, for example smtp.gmail.com"
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("Connection refused by %s: nothing is listening on port %d", host, port),
			"Check the port your provider documents for SMTP submission"
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Connection timeout after %s reaching %s: the port may be blocked by a VPN or firewall", p.timeout, addr),
			"Try another port: " + joinPorts(alternativeSMTPPorts, port)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ECONNRESET):
		return fmt.Sprintf("Could not reach %s: the network path is blocked or unavailable", addr),
			"A firewall or VPN may be rejecting SMTP traffic. Disconnect the VPN or try another port: " + joinPorts(alternativeSMTPPorts, port)
	default:
		return fmt.Sprintf("Could not connect to %s: %v", addr, err),
			"Check the host and port, and whether a firewall or VPN blocks outgoing SMTP. Other ports to try: " + joinPorts(alternativeSMTPPorts, port)
	}
}

// detectNetwork reports vpn when a tunnel interface is up
func (p *PortProbe) detectNetwork() string {
	ifaces, err := p.interfaces()
	if err != nil {
		return NetworkDirect
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		for _, prefix := range tunnelInterfacePrefixes {
			if strings.HasPrefix(name, prefix) {
				return NetworkVPN
			}
		}
	}
	return NetworkDirect
}

func joinPorts(ports []int, except int) string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if p != except {
			out = append(out, strconv.Itoa(p))
		}
	}
	return strings.Join(out, ", ")
}
