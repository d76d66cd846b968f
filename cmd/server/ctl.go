package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recipebox/recipebox/internal/api"
	"github.com/recipebox/recipebox/internal/auth"
	"github.com/recipebox/recipebox/internal/middleware"
)

const ctlTimeout = 10 * time.Second

// ctlOptions holds flags for the operator commands.
type ctlOptions struct {
	Addr  string
	Token string
}

// adminClient calls the admin API of a running server.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	endpoint, err := url.JoinPath(c.base, path)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.base, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr middleware.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error.Code == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, apiErr.Error.Code, apiErr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newCtlCommand() *cobra.Command {
	opts := &ctlOptions{}
	client := func() (*adminClient, error) {
		if opts.Token == "" {
			return nil, errors.New("no token: pass --token or set RECIPEBOX_TOKEN (see `recipebox ctl login`)")
		}
		return &adminClient{base: opts.Addr, token: opts.Token, http: &http.Client{Timeout: ctlTimeout}}, nil
	}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running server through its admin API",
	}

	defaultAddr := os.Getenv("RECIPEBOX_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr, "server base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("RECIPEBOX_TOKEN"), "admin bearer token")

	var username, password string
	login := &cobra.Command{
		Use:   "login",
		Short: "Obtain an admin token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &adminClient{base: opts.Addr, http: &http.Client{Timeout: ctlTimeout}}
			var resp auth.LoginResponse
			err := c.do(cmd.Context(), http.MethodPost, "/admin/login",
				auth.LoginRequest{Username: username, Password: password}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	login.Flags().StringVarP(&username, "username", "u", "admin", "admin username")
	login.Flags().StringVarP(&password, "password", "p", "", "admin password")
	_ = login.MarkFlagRequired("password")
	cmd.AddCommand(login)

	cmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List supervised jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var resp struct {
				Data []api.JobStatus `json:"data"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/jobs", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tATTEMPTS")
			for _, j := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", j.Name, j.State, j.Attempts)
			}
			return tw.Flush()
		},
	})

	for _, action := range []string{"pause", "resume", "stop"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <job>",
			Short: "Send " + action + " to a supervised job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				path := "/admin/jobs/" + url.PathEscape(args[0]) + "/" + action
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s sent\n", args[0], action)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reload the server configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var resp struct {
				Changed bool   `json:"changed"`
				Version uint64 `json:"version"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/config/reload", nil, &resp); err != nil {
				return err
			}
			if !resp.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "configuration unchanged (version %d)\n", resp.Version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration reloaded (version %d)\n", resp.Version)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Drain background jobs and stop the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var resp struct {
				Reason string `json:"reason"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/shutdown", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shutdown started (%s)\n", resp.Reason)
			return nil
		},
	})

	return cmd
}
