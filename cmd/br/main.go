package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardroom/internal/app"
	"boardroom/internal/config"
	"boardroom/internal/db"
	"boardroom/internal/logging"
	boardroomsdk "boardroom/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "br",
	Short: "Boardroom CLI",
	Long: `Boardroom runs a simulated board of AI executives over a product idea.
Core concepts:
- Project: a product idea plus the history of runs made for it.
- Agents: the fixed roster (CEO, PM, Engineer, Research, Legal, Finance); a run enables a subset.
- Run: one pass of the artifact pipeline (PRD -> TechSpec -> CostAnalysis -> Compliance -> DemoCode) limited to the enabled roles.
- Messages: the audit trail of a run, streamed live while it executes.
- Artifacts: the markdown documents a run produces; download them with 'br run artifact'.
- Event log: lifecycle diary of projects and runs, view with 'br log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// A workspace .env provides secrets such as the Gemini API key.
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envFile, err)
	}
	viper.SetEnvPrefix("BOARDROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level (overrides config)")
	flags.Bool("log-json", false, "log as JSON lines")
	flags.String("server", "", "talk to a running 'br serve' at this URL instead of the local workspace")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "log-level", "log-json", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Logging.Level
	}
	return logging.New(logging.Options{Level: level, JSON: viper.GetBool("log-json")})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: &logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// remote returns a client when --server is set.
func remote() *boardroomsdk.Client {
	url := viper.GetString("server")
	if url == "" {
		return nil
	}
	c := boardroomsdk.New(url)
	c.BearerToken = viper.GetString("token")
	return c
}

// convert re-decodes an API payload into the local type sharing its JSON shape.
func convert[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
