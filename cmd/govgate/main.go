package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"govgate/internal/app"
	"govgate/internal/domain"
	"govgate/internal/engine"
	"govgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "govgate",
	Short: "Governance gate for protocol operations",
	Long: `govgate gates privileged protocol operations behind on-chain style governance.
Core concepts:
- Proposals: token holders vote with balances snapshotted at creation; passed proposals queue into the timelock.
- Multisig: owners approve typed operations up to a per-type threshold; guardians can veto outright.
- Timelock: operations wait out a delay and run once, optionally after a predecessor.
- Policies: versioned limits checked before any operation is admitted.
- Triggers: risk signals above a confidence threshold pause subsystems, block operation types or raise alerts.
- Audit log: every accepted and rejected operation, view with 'govgate audit list'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("no-color") || viper.GetBool("json") {
			color.NoColor = true
		}
		return loadEnvFile(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting identity (owner, guardian, voter or proposer)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens (env GOVGATE_JWT_SECRET)")
	for _, name := range []string{"workspace", "json", "actor", "log-level", "no-color", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(multisigCmd())
	rootCmd.AddCommand(timelockCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(systemCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(ledgerCmd())
}

func initCmd() *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create govgate.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if owner == "" {
				owner = viper.GetString("actor")
			}
			ws, err := app.Init(cmd.Context(), workspace, owner, force)
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := setEnvValue(filepath.Join(workspace, ".env"), "GOVGATE_ACTOR", domain.NormalizeIdentity(owner)); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"workspace": workspace, "owner": owner})
			}
			fmt.Printf("%s workspace %s (owner %s)\n", okFmt("initialized"), workspace, owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "initial multisig owner, guardian and automation identity")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing govgate.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, enableTokenEndpoint bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(true)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ws, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer ws.Close()

			authCfg := server.AuthConfig{
				JWTSecret:           viper.GetString("jwt-secret"),
				AllowActorHeader:    allowActorHeader,
				EnableTokenEndpoint: enableTokenEndpoint,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("GOVGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Log: log.Named("http")})
			if err != nil {
				return err
			}

			forwarder := server.NewAuditForwarder(ws.Engine.Audit, ws.Config.Notifications.Webhooks, log.Named("forwarder"))
			go forwarder.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving govgate API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("audit_webhooks", len(forwarder.Webhooks)))
			fmt.Printf("Serving govgate API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local development only)")
	cmd.Flags().BoolVar(&enableTokenEndpoint, "enable-token-endpoint", false, "expose POST /auth/token (local development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			token, expires, err := server.SignToken(viper.GetString("jwt-secret"), actor, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_at": expires})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	badFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// stateFmt colors lifecycle states: green for success, red for terminal failures.
func stateFmt(state string) string {
	switch state {
	case "executed", "succeeded", "approved", "ready", "ok":
		return okFmt(state)
	case "defeated", "vetoed", "canceled", "expired", "rejected", "failed":
		return badFmt(state)
	case "queued", "scheduled", "active", "proposed":
		return warnFmt(state)
	default:
		return dimFmt(state)
	}
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	log, err := newLogger(false)
	if err != nil {
		return err
	}
	defer log.Sync()
	ws, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(engine.WithLogger(ctx, log), ws)
}

func newLogger(serve bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	if serve && !rootCmd.PersistentFlags().Changed("log-level") && os.Getenv("GOVGATE_LOG_LEVEL") == "" {
		level = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	if !serve {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build()
}

func actorID() (string, error) {
	actor := domain.NormalizeIdentity(viper.GetString("actor"))
	if actor == "" {
		return "", fmt.Errorf("--actor required (or set GOVGATE_ACTOR)")
	}
	return actor, nil
}

// exitCode maps engine error classes onto distinct process exit codes.
func exitCode(err error) int {
	switch engine.ClassOf(err) {
	case engine.ClassAdmission:
		return 2
	case engine.ClassState:
		return 3
	case engine.ClassExecution:
		return 4
	default:
		return 1
	}
}

// parseTargets reads recipient=value pairs. A value starting with '{' is a JSON
// payload for a system recipient.
func parseTargets(specs []string) ([]domain.Target, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --target required")
	}
	out := make([]domain.Target, 0, len(specs))
	for _, spec := range specs {
		recipient, rest, ok := strings.Cut(spec, "=")
		recipient = strings.TrimSpace(recipient)
		if !ok || recipient == "" {
			return nil, fmt.Errorf("invalid --target %q (want recipient=value)", spec)
		}
		rest = strings.TrimSpace(rest)
		t := domain.Target{Recipient: recipient, Value: decimal.Zero}
		if strings.HasPrefix(rest, "{") {
			if !json.Valid([]byte(rest)) {
				return nil, fmt.Errorf("invalid payload in --target %q", spec)
			}
			t.Payload = []byte(rest)
		} else if rest != "" {
			v, err := decimal.NewFromString(rest)
			if err != nil {
				return nil, fmt.Errorf("invalid value in --target %q: %w", spec, err)
			}
			t.Value = v
		}
		out = append(out, t)
	}
	return out, nil
}

func describeTargets(targets []domain.Target) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		if len(t.Payload) > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", t.Recipient, string(t.Payload)))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", t.Recipient, t.Value.String()))
	}
	return strings.Join(parts, "\n")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// render prints v as JSON with --json, otherwise as a table.
func render(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadEnvFile(workspace string) error {
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// setEnvValue records key=value in a dotenv file, keeping the other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
