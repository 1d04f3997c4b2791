// Package admincli implements the administrative subcommands, which talk to a
// running server over its admin socket.
package admincli

import (
	"io"
	"os"

	"lds.li/tokenidp/internal/adminapi"
)

// target is embedded by every command. Client and Output are set by tests.
type target struct {
	Client *adminapi.Client `kong:"-"`
	Output io.Writer        `kong:"-"`
}

func (t *target) client(sock adminapi.SocketPath) *adminapi.Client {
	if t.Client != nil {
		return t.Client
	}
	return adminapi.NewClient(sock)
}

func (t *target) out() io.Writer {
	if t.Output != nil {
		return t.Output
	}
	return os.Stdout
}
