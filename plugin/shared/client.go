package shared

import (
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-plugin"
)

// Client is a running plugin process serving a Transformer.
type Client struct {
	client      *plugin.Client
	transformer Transformer
}

func Load(executable string, args ...string) (*Client, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(executable, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", PluginName, err)
	}

	transformer, ok := raw.(Transformer)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not a Transformer (actual type: %T)", PluginName, raw)
	}

	return &Client{client: client, transformer: transformer}, nil
}

func (c *Client) Transform(body []byte, contentType, accept string) ([]byte, error) {
	return c.transformer.Transform(body, contentType, accept)
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Kill()
	}
}
