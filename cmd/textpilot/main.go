package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/voxlinkco/textpilot/internal/config"
	"github.com/voxlinkco/textpilot/internal/cron"
	"github.com/voxlinkco/textpilot/internal/gateway"
	"github.com/voxlinkco/textpilot/internal/store"
)

// GatewayFactory creates a Gateway instance (allows mocking in tests)
type GatewayFactory func(cfg *config.Config) (*gateway.Gateway, error)

// DefaultChatGateway builds a gateway without the SMS channel, for local use
func DefaultChatGateway(cfg *config.Config) (*gateway.Gateway, error) {
	if cfg.AI.APIKey == "" {
		return nil, fmt.Errorf("AI API key not set. Run 'textpilot onboard' or set TEXTPILOT_AI_API_KEY / OPENAI_API_KEY")
	}
	return gateway.NewWithOptions(cfg, gateway.Options{WithoutSMS: true})
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	GatewayFactory GatewayFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "textpilot",
	Short: "textpilot - SMS assistant gateway",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (webhook server + dispatcher + cron)",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the dispatcher locally, single message or REPL mode",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show textpilot status",
	RunE:  runStatus,
}

var creditsCmd = &cobra.Command{
	Use:   "credits <identity> <amount>",
	Short: "Grant purchased credits to an account",
	Args:  cobra.ExactArgs(2),
	RunE:  runCredits,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled delivery jobs",
	RunE:  runJobs,
}

var (
	messageFlag     string
	chatFromFlag    string
	creditsNoteFlag string
	creditsRefFlag  string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&chatFromFlag, "from", "cli", "Sender identity to dispatch as")
	creditsCmd.Flags().StringVar(&creditsNoteFlag, "note", "Manual top-up", "Ledger description")
	creditsCmd.Flags().StringVar(&creditsRefFlag, "ref", "", "External payment reference")
	rootCmd.AddCommand(serveCmd, chatCmd, onboardCmd, statusCmd, creditsCmd, jobsCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.AI.APIKey == "" {
		return fmt.Errorf("AI API key not set. Run 'textpilot onboard' or set TEXTPILOT_AI_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.GatewayFactory
	if factory == nil {
		factory = DefaultChatGateway
	}

	gw, err := factory(cfg)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	// Single message mode
	if messageFlag != "" {
		reply, err := gw.ChatOnce(ctx, chatFromFlag, messageFlag)
		if err != nil {
			return fmt.Errorf("dispatch error: %w", err)
		}
		if reply != "" {
			fmt.Fprintln(stdout, reply)
		}
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "textpilot chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := gw.ChatOnce(ctx, chatFromFlag, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(stdout, reply)
		}
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your AI key and Twilio credentials\n", cfgPath)
	fmt.Println("  2. Or set TEXTPILOT_AI_API_KEY, TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
	fmt.Println("  3. Point your Twilio number's webhook at http://<host>:8085/sms/webhook")
	fmt.Println("  4. Run 'textpilot chat -m \"Hello\"' to test the dispatcher locally")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.AI.Model)
	if cfg.AI.APIKey != "" && len(cfg.AI.APIKey) > 8 {
		masked := cfg.AI.APIKey[:4] + "..." + cfg.AI.APIKey[len(cfg.AI.APIKey)-4:]
		fmt.Printf("AI Key: %s\n", masked)
	} else if cfg.AI.APIKey != "" {
		fmt.Println("AI Key: set")
	} else {
		fmt.Println("AI Key: not set")
	}

	if cfg.SMS.From != "" {
		fmt.Printf("SMS: from %s, webhook %s:%d%s\n", cfg.SMS.From, cfg.SMS.Host, cfg.SMS.Port, cfg.SMS.WebhookPath)
	} else {
		fmt.Println("SMS: not configured")
	}

	st, err := store.New(storePath(cfg))
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	counts, err := st.CountAccounts(context.Background())
	if err != nil {
		fmt.Printf("Accounts: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Accounts: active=%d pending=%d inactive=%d\n",
		counts[store.StatusActive], counts[store.StatusPending], counts[store.StatusInactive])

	return nil
}

func runCredits(cmd *cobra.Command, args []string) error {
	identity := strings.TrimSpace(args[0])
	amount, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("amount must be a number, got %q", args[1])
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.New(storePath(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.ApplyPurchase(ctx, identity, amount, creditsNoteFlag, creditsRefFlag); err != nil {
		return fmt.Errorf("apply purchase: %w", err)
	}

	balance, err := st.Balance(ctx, identity)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	fmt.Printf("Granted %d credits to %s. New balance: %d\n", amount, identity, balance)
	return nil
}

// runJobs lists operator-defined jobs; the gateway's housekeeping entries
// stay hidden.
func runJobs(cmd *cobra.Command, args []string) error {
	svc := cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"))
	if err := svc.Reload(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	jobs := svc.UserJobs()
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return nil
	}

	for _, job := range jobs {
		state := "never run"
		if job.State.LastRunAtMs > 0 {
			state = fmt.Sprintf("last %s %s", job.State.LastStatus,
				time.UnixMilli(job.State.LastRunAtMs).Format("2006-01-02 15:04"))
		}
		enabled := "enabled"
		if !job.Enabled {
			enabled = "disabled"
		}
		fmt.Printf("%s  %s  %s  %s\n", job.Name, describeSchedule(job.Schedule), enabled, state)
	}
	return nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "cron":
		return s.Expr
	case "every":
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case "at":
		return "at " + time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	}
	return s.Kind
}

func storePath(cfg *config.Config) string {
	if path := strings.TrimSpace(cfg.Store.Path); path != "" {
		return path
	}
	return filepath.Join(config.ConfigDir(), "data", "textpilot.db")
}
