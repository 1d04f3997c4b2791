package admincli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"lds.li/tokenidp/internal/adminapi"
)

type ListUsersCmd struct {
	target
}

func (c *ListUsersCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	var resp adminapi.ListUsersResponse
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodGet, "/admin/users", nil, &resp, http.StatusOK); err != nil {
		return err
	}

	if len(resp.Users) == 0 {
		fmt.Fprintf(c.out(), "No users configured.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tUsername\tName\tEmail\tPassword\n")
	for _, u := range resp.Users {
		pw := "no"
		if u.HasPassword {
			pw = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.FullName, u.Email, pw)
	}
	return w.Flush()
}

type SetPasswordCmd struct {
	User string `arg:"" help:"Username or ID of the user."`

	// Input is read for the password when stdin is not a terminal.
	Input io.Reader `kong:"-"`

	target
}

func (c *SetPasswordCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	password, err := c.readPassword()
	if err != nil {
		return err
	}
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(c.User)+"/password", adminapi.SetPasswordRequest{Password: password}, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Password set for %s.\n", c.User)
	return nil
}

func (c *SetPasswordCmd) readPassword() (string, error) {
	if c.Input == nil && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	in := c.Input
	if in == nil {
		in = os.Stdin
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given")
	}
	return line, nil
}

type DeletePasswordCmd struct {
	User string `arg:"" help:"Username or ID of the user."`

	target
}

func (c *DeletePasswordCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(c.User)+"/password", nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Password removed for %s.\n", c.User)
	return nil
}
