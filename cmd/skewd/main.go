// Package main is the entry point for the skewhunter daemon.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"skewhunter/internal/app"
	"skewhunter/internal/config"
	"skewhunter/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	apiURL     string
)

var rootCmd = &cobra.Command{
	Use:   "skewd",
	Short: "NIFTY options signal detection and trade lifecycle engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine and the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return app.New(cfg, configPath, app.EnvCredentials()).Run()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: mode=%s feed=%s execution=%s/%s\n",
			cfg.ActiveMode, cfg.Feed.Provider, cfg.Execution.Mode, cfg.Execution.Broker)
		return nil
	},
}

var orphanCmd = &cobra.Command{
	Use:   "orphan [RECOVER|EXIT|IGNORE]",
	Short: "Show or resolve the trade left open by a previous run",
	Long: `Without an argument, prints the orphaned trade reported by a running
daemon. With an action, asks the daemon to resolve it:

  RECOVER  resume supervising the trade once the engine is started
  EXIT     close the trade at the current price
  IGNORE   forget the trade without placing an order`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 30 * time.Second}
		base := strings.TrimRight(apiURL, "/")

		var resp *http.Response
		var err error
		if len(args) == 0 {
			resp, err = client.Get(base + "/api/orphan")
		} else {
			action := model.RecoveryAction(strings.ToUpper(args[0]))
			if !action.Valid() {
				return fmt.Errorf("unknown action %q", args[0])
			}
			body, _ := json.Marshal(map[string]model.RecoveryAction{"action": action})
			resp, err = client.Post(base+"/api/orphan/resolve", "application/json", bytes.NewReader(body))
		}
		if err != nil {
			return fmt.Errorf("calling daemon: %w", err)
		}
		defer resp.Body.Close()

		var out model.APIResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		if !out.OK {
			return fmt.Errorf("%s: %s", out.Code, out.Error)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out.Data)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with broker credentials")
	orphanCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the running daemon")

	rootCmd.AddCommand(runCmd, checkCmd, orphanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
