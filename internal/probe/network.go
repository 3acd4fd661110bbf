package probe

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/prometheus/procfs"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

const (
	tcpEstablished uint64 = 0x01
	tcpListen      uint64 = 0x0A
)

// commonLoopbackPorts are services routinely bound to loopback.
var commonLoopbackPorts = map[int]bool{
	25: true, 53: true, 631: true, 3306: true, 5432: true, 6379: true, 8125: true, 9090: true,
	11211: true, 27017: true,
}

type socket struct {
	Proto  string
	Local  net.TCPAddr
	Remote net.TCPAddr
	State  uint64
	UID    uint64
	Inode  uint64
}

// Network reads the kernel TCP tables and flags listeners and connections on
// suspicious or unusual endpoints.
type Network struct {
	env   Env
	ports map[int]bool
}

func NewNetwork(env Env) *Network {
	ports := make(map[int]bool, len(env.Sweep.SuspiciousPorts))
	for _, p := range env.Sweep.SuspiciousPorts {
		ports[p] = true
	}
	return &Network{env: env, ports: ports}
}

func (n *Network) Layer() findings.Layer {
	return findings.LayerNetwork
}

func (n *Network) Scan(ctx context.Context, c *Collector) error {
	proc, err := n.env.procFS()
	if err != nil {
		return err
	}
	tables := []struct {
		proto string
		read  func() (procfs.NetTCP, error)
	}{
		{"tcp", proc.NetTCP},
		{"tcp6", proc.NetTCP6},
	}

	read := 0
	for _, table := range tables {
		rows, err := table.read()
		if err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read %s table: %w", table.proto, err)
		}
		read++
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := socket{
				Proto:  table.proto,
				Local:  net.TCPAddr{IP: normalizeIP(row.LocalAddr), Port: int(row.LocalPort)},
				Remote: net.TCPAddr{IP: normalizeIP(row.RemAddr), Port: int(row.RemPort)},
				State:  row.St,
				UID:    row.UID,
				Inode:  row.Inode,
			}
			o, ok := n.inspect(s)
			if !ok {
				continue
			}
			if !c.Add(o) {
				return nil
			}
		}
	}
	if read == 0 {
		return fmt.Errorf("no tcp tables under %s", n.env.procPath("net"))
	}
	return nil
}

func (n *Network) inspect(s socket) (Observation, bool) {
	const layer = findings.LayerNetwork
	var indicators []string
	endpoint := s.Local
	artifact := "tcp_listener"

	switch s.State {
	case tcpListen:
		if n.ports[s.Local.Port] && n.env.has("suspicious_port", layer) {
			indicators = append(indicators, "suspicious_port")
		}
		if s.Local.IP.IsLoopback() {
			if s.Local.Port >= 1024 && !commonLoopbackPorts[s.Local.Port] && n.env.has("loopback_nonstandard", layer) {
				indicators = append(indicators, "loopback_nonstandard")
			}
		} else if float64(s.Local.Port) >= n.env.threshold("listening_high_port", 30000) && n.env.has("listening_high_port", layer) {
			indicators = append(indicators, "listening_high_port")
		}
	case tcpEstablished:
		artifact = "tcp_connection"
		endpoint = s.Remote
		if (n.ports[s.Remote.Port] || n.ports[s.Local.Port]) && n.env.has("suspicious_port", layer) {
			indicators = append(indicators, "suspicious_port")
		}
		if isExternal(s.Remote.IP) && n.env.has("external_established", layer) {
			indicators = append(indicators, "external_established")
		}
	default:
		return Observation{}, false
	}
	if len(indicators) == 0 {
		return Observation{}, false
	}

	location := endpoint.String()
	return Observation{
		ArtifactType: artifact,
		Location:     location,
		Description:  fmt.Sprintf("%s %s local %s remote %s", s.Proto, stateName(s.State), s.Local.String(), s.Remote.String()),
		Indicators:   indicators,
		Attributes: map[string]string{
			"proto":  s.Proto,
			"state":  stateName(s.State),
			"local":  s.Local.String(),
			"remote": s.Remote.String(),
			"uid":    strconv.FormatUint(s.UID, 10),
			"inode":  strconv.FormatUint(s.Inode, 10),
		},
	}, true
}

func stateName(st uint64) string {
	switch st {
	case tcpListen:
		return "LISTEN"
	case tcpEstablished:
		return "ESTABLISHED"
	default:
		return fmt.Sprintf("%02X", st)
	}
}

func isExternal(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() || ip.IsMulticast())
}

// normalizeIP shortens IPv4-mapped addresses so they print in dotted form.
func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
