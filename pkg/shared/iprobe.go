package shared

import (
	"net/rpc"
	"time"

	"github.com/hashicorp/go-plugin"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// Provider is the contract an external layer provider implements.
type Provider interface {
	Setup(configData config.Config) (bool, error)
	Scan(args ProviderScanRequest) (ProviderScanResponse, error)
}

// ProviderScanRequest represents a single layer scan request.
type ProviderScanRequest struct {
	Layer      string    // Layer name the provider serves
	MaxResults int       // Upper bound on returned observations
	Deadline   time.Time // Zero means no deadline
}

// ProviderObservation is the wire form of one raw observation.
type ProviderObservation struct {
	ArtifactType string
	Location     string
	Description  string
	EvidenceHash string
	Indicators   []string
	Attributes   map[string]string
	FileSize     int64
	HasFileSize  bool
	Permissions  string
	ObservedAt   time.Time
}

type ProviderScanResponse struct {
	Observations []ProviderObservation
	Truncated    bool
	Unsupported  bool // The layer cannot be probed on the provider's host
}

type ProviderRPCClient struct{ client *rpc.Client }

func (g *ProviderRPCClient) Setup(configData config.Config) (bool, error) {
	var resp bool
	err := g.client.Call("Plugin.Setup", configData, &resp)
	if err != nil {
		return false, err
	}
	return resp, nil
}

func (g *ProviderRPCClient) Scan(req ProviderScanRequest) (ProviderScanResponse, error) {
	var resp ProviderScanResponse

	err := g.client.Call("Plugin.Scan", req, &resp)
	if err != nil {
		return resp, err
	}

	return resp, nil
}

type ProviderRPCServer struct {
	Impl Provider
}

func (s *ProviderRPCServer) Setup(configData config.Config, resp *bool) error {
	var err error
	*resp, err = s.Impl.Setup(configData)
	return err
}

func (s *ProviderRPCServer) Scan(args ProviderScanRequest, resp *ProviderScanResponse) error {
	var err error
	*resp, err = s.Impl.Scan(args)
	return err
}

type ProbePlugin struct {
	Impl Provider
}

func (p *ProbePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ProviderRPCServer{Impl: p.Impl}, nil
}

func (ProbePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ProviderRPCClient{client: c}, nil
}
