package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WORKBENCH_PIPELINE_PLUGIN",
	MagicCookieValue: "c1a55e5f-1f4b-4d6c-9f0e-7b3d2a6e8c10",
}

const PluginName = "pipeline"

// Transformer handles one inference request, the same shape as the model
// server's /invocations handler.
type Transformer interface {
	Transform(body []byte, contentType, accept string) ([]byte, error)
}

var PluginMap = map[string]plugin.Plugin{
	PluginName: &TransformerPlugin{},
}

type TransformerPlugin struct {
	Impl Transformer
}

func (p *TransformerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (TransformerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// Serve runs impl as a plugin. It is called from the plugin's main and does not return.
func Serve(impl Transformer) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &TransformerPlugin{Impl: impl},
		},
	})
}
