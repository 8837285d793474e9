package plugin

import (
	"context"

	"github.com/hashicorp/go-plugin"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// engineServer exposes a scanning.RuleEngine through the Scanner interface.
type engineServer struct {
	engine scanning.RuleEngine
}

func (s engineServer) Scan(req ScanRequest) (ScanResponse, error) {
	findings, err := s.engine.Scan(context.Background(), req.SourceRoot, func(int) {})
	if err != nil {
		return ScanResponse{}, err
	}
	return ScanResponse{Findings: toRecords(findings)}, nil
}

// Serve blocks serving engine to a host process.
func Serve(engine scanning.RuleEngine) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]plugin.Plugin{
			Name: &RulePlugin{Impl: engineServer{engine: engine}},
		},
	})
}
