package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/egcx/egcx/internal/browser"
	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/config"
	"github.com/egcx/egcx/internal/history"
	"github.com/egcx/egcx/internal/inbox"
	"github.com/egcx/egcx/internal/logging"
	"github.com/egcx/egcx/internal/merchant"
	"github.com/egcx/egcx/internal/pipeline"
	"github.com/egcx/egcx/internal/session"
	"github.com/egcx/egcx/internal/web"
)

var (
	cfgFile      string
	merchantFile string
	logLevel     string
	logFormat    string
)

func resolveMerchantPath() string {
	if merchantFile != "" {
		return merchantFile
	}
	if p := filepath.Join(config.Dir(), "merchants.yaml"); fileExists(p) {
		return p
	}
	if fileExists("data/merchants.yaml") {
		return "data/merchants.yaml"
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data", "merchants.yaml")
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadCatalog returns nil when no catalog exists and none was named
func loadCatalog() (*merchant.Catalog, error) {
	path := resolveMerchantPath()
	if merchantFile == "" && !fileExists(path) {
		return nil, nil
	}
	load := merchant.LoadFromFile
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		load = merchant.LoadFromDir
	}
	catalog, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchants: %w", err)
	}
	return catalog, nil
}

func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if !fileExists(path) {
		return nil, fmt.Errorf("no configuration at %s (run 'egcx init' first)", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "egcx",
		Short: "egcx - Extract e-gift cards from your mailbox",
		Long: `egcx reads gift card e-mails from an IMAP mailbox, opens each
redemption link in Chrome, gets past portal logins and CAPTCHA gates,
and records brand, number, PIN and balance to a CSV file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetDefault(logging.Options{Level: logLevel, Format: logFormat})
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.egcx/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&merchantFile, "merchants", "", "merchant catalog file or directory (default is ~/.egcx/merchants.yaml or ./data/merchants.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default LOG_FORMAT or auto)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listMerchantsCmd())
	rootCmd.AddCommand(addMerchantCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with your mailbox settings and the sender to extract from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func extractCmd() *cobra.Command {
	var req pipeline.Request

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract gift cards from matching e-mails",
		Long: `Fetch every message from the configured sender, follow its redemption
link and append each card to a new CSV file in the output directory.

Run with headless: false in the browser config when a portal login or
CAPTCHA needs a person; the run waits for you to solve it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(req)
		},
	}

	cmd.Flags().BoolVar(&req.NoPIN, "no-pin", false, "Cards in this batch carry no PIN")
	cmd.Flags().StringVar(&req.From, "from", "", "Sender address to match (overrides extract.from_email)")
	cmd.Flags().StringVar(&req.Folder, "folder", "", "Mailbox folder to search (overrides inbox.folder)")
	cmd.Flags().StringVar(&req.Merchant, "merchant", "", "Merchant ID or name from the catalog")
	cmd.Flags().BoolVar(&req.SkipProcessed, "skip-processed", false, "Skip messages that produced a card in an earlier run")
	cmd.Flags().BoolVar(&req.Screenshots, "screenshots", false, "Save a screenshot of every card page")
	cmd.Flags().IntVar(&req.SinceDays, "since", 0, "Only messages from the last N days (overrides extract.since_days)")

	return cmd
}

func inspectCmd() *cobra.Command {
	var pageURL string
	var noPIN bool

	cmd := &cobra.Command{
		Use:   "inspect <file.html>",
		Short: "Extract a card from a saved redemption page",
		Long: `Run the card extractor against a saved HTML page without a browser or
mailbox. Use --url to give the page's original address, which selects
embedded-config extraction for matching delivery hosts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], pageURL, noPIN)
		},
	}

	cmd.Flags().StringVar(&pageURL, "url", "", "Original URL of the page")
	cmd.Flags().BoolVar(&noPIN, "no-pin", false, "Do not fail when the page has no PIN")

	return cmd
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <file.eml|file.html>",
		Short: "List the redemption links found in a saved message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(args[0])
		},
	}
}

func statusCmd() *cobra.Command {
	var limit int
	var runID int64
	var showCards, showFailures bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run history and statistics",
		Long:  "Display recent extraction runs, and optionally the cards and failures they recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(limit, runID, showCards, showFailures)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent rows to show")
	cmd.Flags().Int64Var(&runID, "run", 0, "Only cards and failures of this run")
	cmd.Flags().BoolVar(&showCards, "cards", false, "Show extracted cards")
	cmd.Flags().BoolVar(&showFailures, "failures", false, "Show failed messages and links")

	return cmd
}

func listMerchantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-merchants",
		Short: "List the merchants in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListMerchants()
		},
	}
}

func addMerchantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-merchant",
		Short: "Add a gift card sender to the merchant catalog",
		Long:  "Interactively add a merchant to the local merchant catalog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddMerchant()
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local progress API",
		Long: `Start a local HTTP API that starts extraction runs and reports their
progress, and serves the run history.

The server listens on the loopback address by default; card data never
leaves your machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default web.addr, 127.0.0.1:8787)")

	return cmd
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🎁 egcx Configuration Setup")
	fmt.Println("===========================")
	fmt.Println()

	cfg := &config.Config{}

	fmt.Println("📬 Mailbox (IMAP)")
	fmt.Println()

	cfg.Inbox.Provider = prompt(reader, "Provider (gmail/outlook/imap) [gmail]: ")
	if cfg.Inbox.Provider == "" {
		cfg.Inbox.Provider = "gmail"
	}
	if cfg.Inbox.Provider == "imap" {
		cfg.Inbox.Server = prompt(reader, "  IMAP server: ")
		port, err := strconv.Atoi(prompt(reader, "  IMAP port [993]: "))
		if err != nil {
			port = 993
		}
		cfg.Inbox.Port = port
	}
	cfg.Inbox.Email = prompt(reader, "Email address: ")
	if cfg.Inbox.Provider == "gmail" {
		fmt.Println("  (See https://support.google.com/accounts/answer/185833 for app password setup)")
	}
	cfg.Inbox.Password = prompt(reader, "App password: ")

	fmt.Println()
	fmt.Println("💳 Extraction")
	fmt.Println()

	cfg.Extract.FromEmail = prompt(reader, "Gift card sender address (optional, or use --merchant): ")
	cfg.Extract.NoPIN = strings.EqualFold(prompt(reader, "Do these cards come without a PIN? (y/N): "), "y")
	cfg.Extract.OutputDir = prompt(reader, "Output directory for CSV files [.]: ")

	fmt.Println()
	fmt.Println("⚙️  Browser")
	fmt.Println()

	cfg.Browser.Headless = strings.EqualFold(prompt(reader, "Run Chrome headless? Portal logins and CAPTCHAs need a window (y/N): "), "y")

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit the config file if needed")
	fmt.Println("  2. Run 'egcx list-merchants' to see known senders")
	fmt.Println("  3. Run 'egcx extract' to extract your cards")

	return nil
}

func runExtract(req pipeline.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if req.From != "" {
		cfg.Extract.FromEmail = req.From
	}
	if req.Merchant != "" {
		cfg.Extract.Merchant = req.Merchant
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	catalog, err := loadCatalog()
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("📬 Checking mailbox...")

	shown := -1
	res, runErr := pipeline.Run(ctx, cfg, catalog, req, pipeline.Options{
		Store:  store,
		Logger: slog.Default(),
		OnProgress: func(p session.Progress) {
			if p.Current != "" && p.Processed != shown {
				shown = p.Processed
				fmt.Printf("📨 [%d/%d] %s\n", p.Processed+1, p.Total, p.Current)
			}
		},
		OnHuman: func(reason string) {
			fmt.Printf("🧩 %s: solve it in the browser window, the run continues afterwards\n", reason)
		},
		OnCard: func(c *card.Card) {
			fmt.Printf("   💳 %s\n", c.Summary())
		},
	})

	if res != nil && res.Report != nil {
		printReport(res)
	}

	if errors.Is(runErr, context.Canceled) {
		fmt.Println("⏹  Run stopped before the remaining messages")
		return nil
	}
	return runErr
}

func printReport(res *pipeline.Result) {
	r := res.Report
	p := r.Progress

	fmt.Println()
	fmt.Println("📊 Run Summary")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Messages: %d (skipped %d)\n", p.Total, p.Skipped)
	fmt.Printf("  Extracted: %d\n", p.Extracted)
	fmt.Printf("  Failed: %d\n", p.Failed)
	if r.Archived > 0 {
		fmt.Printf("  Archived: %d\n", r.Archived)
	}
	if res.OutputPath != "" {
		fmt.Printf("  Output: %s\n", res.OutputPath)
	}

	if len(r.Failures) == 0 {
		return
	}

	fmt.Println()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Message", "Kind", "Error"})
	for _, f := range r.Failures {
		t.AppendRow(table.Row{truncateString(f.MessageID, 40), f.Kind, truncateString(f.Err.Error(), 80)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func runInspect(path, pageURL string, noPIN bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read page: %w", err)
	}
	if pageURL == "" {
		abs, _ := filepath.Abs(path)
		pageURL = "file://" + abs
	}

	opts := card.Options{
		Strategies:       card.DefaultStrategies(),
		EmbeddedPatterns: card.DefaultEmbeddedPatterns,
		Logger:           slog.Default(),
	}
	if cfg, err := loadConfig(); err == nil {
		opts.Strategies = card.WithExtra(opts.Strategies, pipeline.ExtraStrategies(cfg.Extract.ExtraLocators))
		opts.EmbeddedPatterns = append(append([]string(nil), opts.EmbeddedPatterns...), cfg.Extract.EmbeddedURLPatterns...)
	}
	if catalog, err := loadCatalog(); err == nil && catalog != nil {
		for _, m := range catalog.Merchants {
			opts.EmbeddedPatterns = append(opts.EmbeddedPatterns, m.EmbeddedURLPatterns...)
		}
	}

	ext, err := card.NewExtractor(opts)
	if err != nil {
		return err
	}
	page, err := browser.NewStaticPage(pageURL, string(data))
	if err != nil {
		return err
	}

	fmt.Printf("🔍 Inspecting %s (%s mode)\n", path, ext.ModeFor(pageURL))
	if info := browser.DetectCaptchaFromHTML(string(data)); info.Found {
		fmt.Printf("⚠️  Saved page shows a CAPTCHA (%s); fields behind it may be missing\n", info.Description())
	}
	c, err := ext.Extract(context.Background(), page, !noPIN)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Brand", c.Brand},
		{"Number", c.Number},
		{"PIN", c.PIN},
		{"Amount", c.Amount},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}

func runDiscover(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open message: %w", err)
	}
	defer f.Close()

	var body string
	if strings.EqualFold(filepath.Ext(path), ".eml") {
		msg, err := inbox.ParseMessage(f)
		if err != nil {
			return err
		}
		fmt.Printf("📧 %s\n   From: %s\n", msg.Subject, msg.From)
		if catalog, err := loadCatalog(); err == nil && catalog != nil {
			if m := catalog.FindBySender(msg.From); m != nil {
				fmt.Printf("   Merchant: %s [%s]\n", m, m.ID)
			}
		}
		body = msg.HTMLBody
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		body = string(data)
	}

	hosts := append([]string(nil), inbox.DefaultPortalHosts...)
	if cfg, err := loadConfig(); err == nil {
		hosts = append(hosts, cfg.Extract.PortalHosts...)
	}
	if catalog, err := loadCatalog(); err == nil && catalog != nil {
		hosts = append(hosts, catalog.PortalHosts()...)
	}

	links, err := inbox.NewDiscoverer(hosts).Discover(body)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Method", "URL"})
	for i, l := range links {
		t.AppendRow(table.Row{i + 1, l.Method, l.URL})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}

func openHistory() (*history.Store, error) {
	path := filepath.Join(config.Dir(), "history.db")
	if cfg, err := loadConfig(); err == nil {
		path = cfg.HistoryPath
	}
	store, err := history.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

func runStatus(limit int, runID int64, showCards, showFailures bool) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, cards, failures, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Println("📊 egcx Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Runs: %d\n", runs)
	fmt.Printf("  Cards: %d\n", cards)
	fmt.Printf("  Failures: %d\n", failures)

	recent, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println()
		fmt.Printf("📜 Recent Runs (last %d)\n", limit)
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Started", "Sender", "Status", "Messages", "Cards", "Failed"})
		for _, r := range recent {
			status := "✅ " + string(r.Status)
			switch r.Status {
			case history.RunFailed:
				status = "❌ " + string(r.Status)
			case history.RunCancelled:
				status = "⏹  " + string(r.Status)
			case history.RunRunning:
				status = "⏳ " + string(r.Status)
			}
			t.AppendRow(table.Row{r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.FromEmail, status, r.Messages, r.Extracted, r.Failed})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	}

	if showCards {
		records, err := store.RecentCards(runID, limit)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("💳 Cards")
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Run", "Brand", "Number", "PIN", "Amount", "Received"})
		for _, c := range records {
			t.AppendRow(table.Row{c.RunID, c.Brand, c.Number, c.PIN, c.Amount, c.Timestamp()})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	}

	if showFailures {
		records, err := store.Failures(runID, limit)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("⚠️  Failures")
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Run", "Message", "Kind", "Error"})
		for _, f := range records {
			t.AppendRow(table.Row{f.RunID, truncateString(f.MessageID, 40), f.Kind, truncateString(f.Error, 80)})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	}

	return nil
}

func runListMerchants() error {
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	if catalog == nil {
		return fmt.Errorf("no merchant catalog found at %s", resolveMerchantPath())
	}

	fmt.Printf("🏬 Merchants (%d total)\n", len(catalog.Merchants))

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Name", "Sender", "Portal", "PIN"})
	for _, m := range catalog.Sorted() {
		pin := "yes"
		if m.ExpectPIN != nil && !*m.ExpectPIN {
			pin = "no"
		}
		t.AppendRow(table.Row{m.ID, m.Name, m.Sender, strings.Join(m.PortalHosts, ", "), pin})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}

func runAddMerchant() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("➕ Add Merchant")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	m := merchant.Merchant{}
	m.Name = prompt(reader, "Merchant name: ")
	m.ID = strings.ToLower(strings.ReplaceAll(m.Name, " ", "-"))
	m.Sender = prompt(reader, "Sender address of the gift card e-mails: ")
	m.Website = prompt(reader, "Website (optional): ")
	if portal := prompt(reader, "Redemption portal host needing a login (optional): "); portal != "" {
		m.PortalHosts = []string{portal}
	}
	if strings.EqualFold(prompt(reader, "Do its cards come without a PIN? (y/N): "), "y") {
		noPIN := false
		m.ExpectPIN = &noPIN
	}

	path := merchantFile
	if path == "" {
		path = filepath.Join(config.Dir(), "merchants.yaml")
	}

	catalog := &merchant.Catalog{}
	if fileExists(path) {
		var err error
		catalog, err = merchant.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("failed to load merchants: %w", err)
		}
	}

	if err := catalog.Add(m); err != nil {
		return err
	}
	if err := catalog.Save(path); err != nil {
		return fmt.Errorf("failed to save merchants: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Added %s to %s\n", m.Name, path)
	return nil
}

func runServe(addr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if addr == "" {
		addr = cfg.Web.Addr
	}

	catalog, err := loadCatalog()
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("failed to initialize history: %w", err)
	}
	defer store.Close()

	runner := func(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error) {
		opts.Store = store
		opts.Logger = slog.Default()
		return pipeline.Run(ctx, cfg, catalog, req, opts)
	}

	server, err := web.NewServer(addr, store, catalog, runner, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	return server.Start()
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
