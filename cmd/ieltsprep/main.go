package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/ieltsprep/internal/auth"
	"github.com/pavelanni/ieltsprep/internal/examfile"
	"github.com/pavelanni/ieltsprep/internal/grading"
	"github.com/pavelanni/ieltsprep/internal/handler"
	appI18n "github.com/pavelanni/ieltsprep/internal/i18n"
	"github.com/pavelanni/ieltsprep/internal/llm"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/notify"
	"github.com/pavelanni/ieltsprep/internal/report"
	"github.com/pavelanni/ieltsprep/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ieltsprep",
		Short: "IELTS exam preparation server with AI grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), tokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "ieltsprep.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addTokenFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("jwt-secret", "", "Secret for signing API tokens (or set IELTSPREP_JWT_SECRET)")
	f.String("jwt-issuer", "ieltsprep", "Issuer claim of API tokens")
	f.Duration("token-ttl", 30*24*time.Hour, "Lifetime of issued API tokens")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and grading workers",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addTokenFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSlice("exams", nil, "Exam YAML files to import on startup (repeatable)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Default language (en, ru)")
	f.Int("workers", 2, "Number of grading workers")
	f.Int("queue-size", 100, "Capacity of the grading queue")
	f.Duration("grade-timeout", 2*time.Minute, "Timeout for grading one submission")
	f.Int("max-tries", 3, "Grading attempts per submission before it fails")
	f.Duration("retry-delay", 10*time.Second, "Base delay before a failed grading attempt is retried")
	f.String("mail-driver", "none", "Notification mailer (none, smtp, sendgrid)")
	f.String("mail-from", "", "Sender address of notification emails")
	f.String("app-name", "IELTS Prep", "Sender name of notification emails")
	f.String("smtp-host", "", "SMTP server host")
	f.Int("smtp-port", 587, "SMTP server port")
	f.String("smtp-user", "", "SMTP user name")
	f.String("smtp-pass", "", "SMTP password")
	f.String("sendgrid-key", "", "SendGrid API key")
	f.String("admin-email", "", "Email address of the initial admin user")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exams from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	cmd.Flags().String("author", "admin", "Username recorded as the exams' author")
	cmd.Flags().Bool("check", false, "Validate the files and print warnings without importing")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results as JSON or XLSX",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("format", "json", "Output format (json, xlsx)")
	f.Int64("exam", 0, "Export only this exam (0 = all exams)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a user",
		RunE:  runToken,
	}
	addCommonFlags(cmd)
	addTokenFlags(cmd)
	cmd.Flags().StringP("user", "u", "", "Username to issue the token for (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("IELTSPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("ieltsprep")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/ieltsprep")
	v.AddConfigPath("/etc/ieltsprep")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newIssuer(v *viper.Viper) (*auth.Issuer, error) {
	secret := v.GetString("jwt-secret")
	if secret == "" {
		return nil, errors.New("jwt secret is required: set --jwt-secret flag or IELTSPREP_JWT_SECRET env var")
	}
	return auth.NewIssuer(secret, v.GetString("jwt-issuer"), v.GetDuration("token-ttl"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tokens, err := newIssuer(v)
	if err != nil {
		return err
	}

	if err := seedAdmin(db, v.GetString("admin-email")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := importFiles(db, v.GetStringSlice("exams"), "admin"); err != nil {
		return err
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := llmClient.Ping(pingCtx); err != nil {
		slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	cancel()

	mailer, err := notify.NewMailer(notify.Config{
		Driver: v.GetString("mail-driver"),
		SMTP: notify.SMTPConfig{
			Host: v.GetString("smtp-host"),
			Port: v.GetInt("smtp-port"),
			User: v.GetString("smtp-user"),
			Pass: v.GetString("smtp-pass"),
			From: v.GetString("mail-from"),
		},
		SendGridKey: v.GetString("sendgrid-key"),
		AppName:     v.GetString("app-name"),
		From:        v.GetString("mail-from"),
	})
	if err != nil {
		return fmt.Errorf("create mailer: %w", err)
	}

	queue := grading.New(db, llmClient, notify.New(db, mailer, lang), grading.Config{
		Workers:    v.GetInt("workers"),
		QueueSize:  v.GetInt("queue-size"),
		Timeout:    v.GetDuration("grade-timeout"),
		MaxTries:   v.GetInt("max-tries"),
		RetryDelay: v.GetDuration("retry-delay"),
	})
	queueDone := make(chan error, 1)
	go func() { queueDone <- queue.Run(ctx) }()

	h := handler.New(db, queue, tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"workers", v.GetInt("workers"),
		"mail_driver", v.GetString("mail-driver"),
	)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case err := <-queueDone:
		if err != nil {
			return fmt.Errorf("grading queue: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if v.GetBool("check") {
		failed := false
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			in, err := examfile.Parse(data)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				failed = true
				continue
			}
			for _, w := range examfile.Check(in) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, w)
			}
		}
		if failed {
			return errors.New("some files are invalid")
		}
		return nil
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return importFiles(db, args, v.GetString("author"))
}

// importFiles imports exam files on behalf of the named author.
func importFiles(db *store.Store, paths []string, author string) error {
	if len(paths) == 0 {
		return nil
	}
	u, err := db.GetUserByUsername(author)
	if err != nil {
		return fmt.Errorf("get author: %w", err)
	}
	if u == nil {
		return fmt.Errorf("author %q not found", author)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := examfile.Import(db, path, data, u.ID); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format, err := report.ParseFormat(v.GetString("format"))
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportResults(v.GetInt64("exam"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		if format == report.FormatXLSX {
			return errors.New("xlsx output needs a file: set --output")
		}
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := report.Write(w, format, results); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "attempts", len(results.Attempts), "format", format, "output", outPath)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	tokens, err := newIssuer(v)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	username := v.GetString("user")
	u, err := db.GetUserByUsername(username)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return fmt.Errorf("user %q not found", username)
	}
	if !u.Active {
		return fmt.Errorf("user %q is disabled", username)
	}

	token, exp, err := tokens.Issue(*u)
	if err != nil {
		return err
	}
	slog.Info("issued token", "user", u.Username, "role", u.Role, "expires", exp.Format(time.RFC3339))
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func seedAdmin(db *store.Store, email string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err = db.CreateUser(model.User{
		Username:    "admin",
		DisplayName: "Administrator",
		Email:       email,
		Role:        model.UserRoleAdmin,
		Active:      true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin",
		"hint", "run `ieltsprep token --user admin` to get an API token")
	return nil
}
