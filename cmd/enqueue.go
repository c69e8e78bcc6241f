package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/queue"
	queueRedis "github.com/JakeFAU/harvester/internal/queue/redis"
	"github.com/JakeFAU/harvester/internal/server"
)

func newEnqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue [url...]",
		Short: "Seeds the Redis work queue with product URLs",
		Long: `Adds URLs to the shared Redis queue. URLs come from the arguments and,
with --file, one per line from a file ("-" reads stdin). Blank lines and
lines starting with # are ignored. The in-memory queue lives inside a running
process; seed it through POST /v1/urls instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if env.Config.Queue.Backend != "redis" {
				return fmt.Errorf("enqueue needs queue.backend=redis, got %q", env.Config.Queue.Backend)
			}
			urls := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readURLFile(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}

			client := server.NewRedisClient(env.Config)
			defer client.Close()
			q := queueRedis.New(client, env.Config.Queue.Prefix, queue.Options{Dedupe: env.Config.Queue.Dedupe}, system.New())
			added, err := q.Enqueue(cmd.Context(), urls)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			env.Logger.Info("urls enqueued", zap.Int("submitted", len(urls)), zap.Int("added", added))
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d of %d urls\n", added, len(urls))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `file with one URL per line ("-" for stdin)`)
	return cmd
}

func readURLFile(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
