package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	promversion "github.com/prometheus/common/version"
	"golang.org/x/term"
	"lds.li/tokenidp/internal/adminapi"
	"lds.li/tokenidp/internal/admincli"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/idp"
	"lds.li/tokenidp/internal/policy"
)

const progname = "tokenidp"

// localCommands run without talking to a server over the admin socket.
var localCommands = []string{"serve", "validate-config"}

type cli struct {
	Debug     bool   `env:"DEBUG" help:"Enable debug logging"`
	LogFormat string `env:"LOG_FORMAT" enum:"auto,text,json" default:"auto" help:"Log format: auto picks text on a terminal, JSON otherwise."`

	Version kong.VersionFlag `help:"Print version information"`

	ConfigFile      kong.NamedFileContentFlag `name:"config" required:"" env:"IDP_CONFIG_FILE" help:"Path to the config file."`
	AdminSocketPath string                    `env:"IDP_ADMIN_SOCKET_PATH" help:"Path to Unix socket of the admin API. Required by the admin commands, optional for serve."`

	Serve          idp.ServeCmd               `cmd:"" help:"Serve the token endpoints."`
	ValidateConfig ValidateConfigCmd          `cmd:"" help:"Validate the configuration file."`
	Tokens         admincli.TokensCmd         `cmd:"" help:"Inspect and revoke issued tokens."`
	Clients        admincli.ClientsCmd        `cmd:"" help:"Manage dynamic clients."`
	ListUsers      admincli.ListUsersCmd      `cmd:"" help:"List configured users."`
	SetPassword    admincli.SetPasswordCmd    `cmd:"" help:"Set a user's password, read from the terminal or stdin."`
	DeletePassword admincli.DeletePasswordCmd `cmd:"" help:"Remove a user's password."`
	IssueCode      admincli.IssueCodeCmd      `cmd:"" help:"Issue an authorization code for a user."`
	Bolt           admincli.BoltCmd           `cmd:"" help:"Inspect the state database."`
}

// ValidateConfigCmd reports what the config file defines. Parsing and policy
// compilation happen before any command runs.
type ValidateConfigCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ValidateConfigCmd) Run(cfg *config.Config) error {
	out := c.Output
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "issuer %s: %d clients, %d users, %d scopes\n",
		cfg.IssuerName(), len(cfg.Clients), len(cfg.Users), len(cfg.Scopes))
	return err
}

// loadVersion fills the prometheus version info from the module build info,
// unless it was set at link time.
func loadVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if promversion.Version == "" {
		promversion.Version = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if promversion.Revision == "" {
				promversion.Revision = setting.Value
			}
		case "vcs.modified":
			if setting.Value == "true" && promversion.Revision != "" && !strings.HasSuffix(promversion.Revision, "-modified") {
				promversion.Revision += "-modified"
			}
		case "vcs.branch":
			if promversion.Branch == "" {
				promversion.Branch = setting.Value
			}
		}
	}
}

// newLogger builds the process logger. Every record carries the program
// name and version so lines from several instances can be told apart.
func newLogger(w io.Writer, format string, debug bool, isTerminal bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	var h slog.Handler
	switch {
	case format == "text", format == "auto" && isTerminal:
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", progname, "version", promversion.Version)
}

func main() {
	loadVersion()
	prometheus.MustRegister(versioncollector.NewCollector(progname))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// a second signal skips graceful shutdown
		stop()
		force := make(chan os.Signal, 1)
		signal.Notify(force, os.Interrupt, syscall.SIGTERM)
		<-force
		os.Exit(1)
	}()

	var root cli
	clictx := kong.Parse(
		&root,
		kong.Name(progname),
		kong.Description("tokenidp issues and manages OAuth2 and OpenID Connect tokens"),
		kong.Vars{"version": promversion.Version},
	)

	logger := newLogger(os.Stderr, root.LogFormat, root.Debug, term.IsTerminal(int(os.Stderr.Fd())))
	slog.SetDefault(logger)

	if !slices.Contains(localCommands, clictx.Selected().Name) && root.AdminSocketPath == "" {
		clictx.Fatalf("--admin-socket-path is required for %s", clictx.Command())
	}

	cfg, err := config.ParseConfig(root.ConfigFile)
	if err != nil {
		clictx.Fatalf("parse config from %s: %v", root.ConfigFile.Filename, err)
	}
	if err := policy.ValidatePolicies(cfg); err != nil {
		clictx.Fatalf("validate policies: %v", err)
	}
	logger.Debug("loaded config", "file", root.ConfigFile.Filename, "issuer", cfg.IssuerName(), "clients", len(cfg.Clients))

	clictx.Bind(cfg)
	clictx.Bind(adminapi.SocketPath(root.AdminSocketPath))
	clictx.BindTo(ctx, (*context.Context)(nil))
	clictx.FatalIfErrorf(clictx.Run())
}
