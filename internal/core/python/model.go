package python

import (
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/geniusrise/geniusrise-text/plugin/shared"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Runtime is a model runtime plugin running in a subprocess, typically a
// python process wrapping transformers.
//
// TODO: calls are not serialized, callers must not share a Runtime across goroutines.
type Runtime struct {
	shared.Runtime
	client *plugin.Client
}

// Start launches the plugin command and connects to it over gRPC.
func Start(command []string) (*Runtime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no runtime plugin command configured")
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(command[0], command[1:]...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "runtime-plugin",
			Level: hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", shared.PluginName, err)
	}

	rt, ok := raw.(shared.Runtime)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Runtime (actual type: %T)", shared.PluginName, raw)
	}

	slog.Info("started runtime plugin", "command", command)
	return &Runtime{Runtime: rt, client: client}, nil
}

func (r *Runtime) Release() {
	if r.client == nil {
		return
	}

	r.client.Kill()
	r.client = nil
	r.Runtime = nil
}
