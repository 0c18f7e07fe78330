package shared

import (
	"context"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

const PluginName = "runtime_grpc"

var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GENIUSRISE_RUNTIME_PLUGIN",
	MagicCookieValue: "text",
}

var PluginMap = map[string]plugin.Plugin{
	PluginName: &RuntimePlugin{},
}

// RuntimePlugin only speaks gRPC.
type RuntimePlugin struct {
	plugin.NetRPCUnsupportedPlugin
	Impl Runtime
}

func (p *RuntimePlugin) GRPCServer(broker *plugin.GRPCBroker, s *grpc.Server) error {
	RegisterRuntimeServer(s, p.Impl)
	return nil
}

func (p *RuntimePlugin) GRPCClient(ctx context.Context, broker *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewGRPCClient(c), nil
}
