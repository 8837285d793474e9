// Package plugin runs a rule engine out of process over hashicorp/go-plugin
// net/rpc. The host side adapts it to scanning.RuleEngine; the plugin side
// serves any scanning.RuleEngine.
package plugin

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Name is the key the rule engine is dispensed under.
const Name = "rule_engine"

// HandshakeConfig is shared by the host and plugin binaries.
var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "QARK_RULES_PLUGIN",
	MagicCookieValue: "7f3c1d9e4b2a48c0a6e5f1b3d8c2a9e4",
}

// ScanRequest asks the plugin to analyze the tree at SourceRoot.
type ScanRequest struct {
	SourceRoot string
}

// FindingRecord is the wire form of a finding.
type FindingRecord struct {
	Name        string
	Description string
	Category    string
	Severity    string
	FilePath    string
	LineNumber  int
}

// ScanResponse carries findings in discovery order.
type ScanResponse struct {
	Findings []FindingRecord
}

// Scanner is the interface served across the process boundary.
type Scanner interface {
	Scan(req ScanRequest) (ScanResponse, error)
}

// RPCClient is the host-side stub.
type RPCClient struct{ client *rpc.Client }

func (c *RPCClient) Scan(req ScanRequest) (ScanResponse, error) {
	var resp ScanResponse
	err := c.client.Call("Plugin.Scan", req, &resp)
	return resp, err
}

// scanAsync starts a call whose completion is signaled on the returned call's Done channel.
func (c *RPCClient) scanAsync(req ScanRequest) (*rpc.Call, *ScanResponse) {
	resp := new(ScanResponse)
	return c.client.Go("Plugin.Scan", req, resp, make(chan *rpc.Call, 1)), resp
}

// RPCServer is the plugin-side dispatcher.
type RPCServer struct {
	Impl Scanner
}

func (s *RPCServer) Scan(req ScanRequest, resp *ScanResponse) error {
	out, err := s.Impl.Scan(req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

// RulePlugin implements plugin.Plugin for the rule engine.
type RulePlugin struct {
	Impl Scanner
}

func (p *RulePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (RulePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// PluginMap is the set of plugins the host can dispense.
var PluginMap = map[string]plugin.Plugin{
	Name: &RulePlugin{},
}
