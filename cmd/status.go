package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const statusTimeout = 10 * time.Second

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints queue depths, dead letters, concurrency and proxy health from a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("http://localhost:%d", env.Config.Server.Port)
			}
			apiKey := ""
			if env.Config.Auth.Enabled {
				apiKey = env.Config.Auth.APIKey
			}
			client := &http.Client{Timeout: statusTimeout}
			report := map[string]json.RawMessage{}
			for _, section := range []string{"queue", "dead", "rate", "proxies"} {
				body, err := getJSON(cmd.Context(), client, strings.TrimSuffix(addr, "/")+"/v1/"+section, apiKey)
				if err != nil {
					return err
				}
				report[section] = body
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of the ops server (default http://localhost:<server.port>)")
	return cmd
}

func getJSON(ctx context.Context, client *http.Client, target, apiKey string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}
