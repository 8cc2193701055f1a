package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"carapace/internal/auth"
	"carapace/internal/config"
	"carapace/internal/server"
)

func newSessionsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := config.DataDir()
			cfg, err := config.Load(dataDir)
			if err != nil {
				return err
			}
			token, err := auth.ClientToken(dataDir)
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
			}

			req, err := http.NewRequest(http.MethodGet, strings.TrimRight(serverURL, "/")+"/sessions", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("is the server running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("list sessions: %s", resp.Status)
			}

			var sessions []server.SessionInfo
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCHANNEL\tLAST ACTIVE\tACTIVE RULES")
			for _, info := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					info.SessionID,
					info.ChannelType,
					info.LastActive.Format("2006-01-02 15:04"),
					strings.Join(info.ActivatedRules, ","),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default from config)")
	return cmd
}
