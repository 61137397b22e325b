package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"gofer/internal/agent"
	"gofer/internal/config"
	"gofer/internal/decision"
	"gofer/internal/dispatch"
	"gofer/internal/llm"
	"gofer/internal/llm/mockclient"
	"gofer/internal/logging"
	"gofer/internal/memory"
	"gofer/internal/openai"
	"gofer/internal/plugins"
	"gofer/internal/prompts"
	"gofer/internal/sandbox"
	"gofer/internal/state"
	"gofer/internal/terminal"
	"gofer/internal/tooling"
)

// Version is stamped at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	var (
		workspaceFlag = flag.String("workspace", "", "workspace root the agent may write to")
		inputFlag     = flag.String("input", "", "read-only directory for user-provided input files")
		instruction   = flag.String("p", "", "run a single instruction and exit")
		stepsFlag     = flag.Int("steps", 0, "maximum steps per run")
		autoFlag      = flag.Int("auto", 0, "auto-continue budget: -1 unlimited, 0 manual, N steps")
		eagerFlag     = flag.Bool("eager", false, "load every remote tool at startup instead of on demand")
		listTools     = flag.Bool("list-tools", false, "print the tool catalog and exit")
		resumeFlag    = flag.String("resume", "", "resume the stored run with this key")
		listSessions  = flag.Bool("list-sessions", false, "list stored runs for this workspace and exit")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.StringVar(instruction, "instruction", "", "run a single instruction and exit (alias for -p)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gofer %s\n", Version)
		return
	}

	cfg, err := config.LoadUserConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(&cfg, *workspaceFlag, *inputFlag, *stepsFlag, *autoFlag)

	absRoot, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalf("Failed to resolve workspace root: %v", err)
	}
	// The runner changes into the workspace for the duration of a run, so
	// every configured path has to be absolute before that happens.
	cfg.OverrideWorkspaceRoot(absRoot)
	absInput, err := filepath.Abs(cfg.InputDir)
	if err != nil {
		log.Fatalf("Failed to resolve input directory: %v", err)
	}
	cfg.InputDir = absInput

	logger, closeLog, err := logging.NewFileLogger(logging.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer closeLog.Close()
	slog := logging.NewStructuredLogger(logger, "main", false)
	slog.Info("starting", map[string]interface{}{"version": Version, "workspace": absRoot})

	guard, err := sandbox.NewGuard(absRoot)
	if err != nil {
		log.Fatalf("Failed to prepare workspace: %v", err)
	}
	prompts.SetMetadata(buildEnvironmentMetadata(absRoot))

	termMgr := terminal.NewManager(absRoot, cfg.ShellTimeout())
	defer termMgr.StopAll()

	tools := tooling.NewRegistry(tooling.DefaultTools(tooling.Options{
		WorkspaceRoot:   absRoot,
		InputDir:        cfg.InputDir,
		InputExtensions: cfg.AllowedInputExtensions,
		MaxInputSize:    cfg.MaxInputFileSize,
		ShellTimeout:    cfg.ShellTimeout(),
		Terminal:        termMgr,
	})...)

	var repoClient plugins.RepoClient
	if cfg.ToolRepo != "" {
		repoClient = plugins.NewGitHubClient(cfg.ToolRepoAPIBase, cfg.ToolRepo, cfg.ToolRepoBranch, cfg.ToolRepoToken(), cfg.RequestTimeout())
	}
	toolRuntime := plugins.New(tools, repoClient)
	defer toolRuntime.Cleanup()

	ctx := context.Background()
	if err := toolRuntime.Discover(ctx); err != nil {
		logging.UserLog("Remote tool discovery failed: %v", err)
	}
	if *eagerFlag {
		fmt.Printf("Loaded %d remote tools\n", toolRuntime.LoadAll(ctx))
	}
	if *listTools {
		printToolCatalog(toolRuntime)
		return
	}

	var client llm.Client
	if os.Getenv("GOFER_MOCK_LLM") == "1" {
		logging.UserLog("GOFER_MOCK_LLM=1 set, using the offline mock provider")
		client = mockclient.New()
	} else {
		key := cfg.APIKey()
		if key == "" {
			log.Fatalf("No API key found. Export %s or set GOFER_MOCK_LLM=1 for offline runs.", cfg.APIKeyEnv)
		}
		client = openai.NewClient(cfg.BaseURL, key, cfg.RequestTimeout(), logger)
	}

	states, err := state.NewManager(prompts.Combine(""), runStorageRoot(absRoot), logger)
	if err != nil {
		log.Fatalf("Failed to load run state: %v", err)
	}
	if *listSessions {
		printSessionList(states.Summaries())
		return
	}

	store, err := memory.Open(cfg.MemoryStorePath)
	if err != nil {
		logging.ErrorLog("memory store unavailable: %v", err)
		logging.UserLog("Continuing without run history persistence")
		store = nil
	} else {
		defer store.Close()
	}

	decider := decision.NewLLMDecider(client, cfg.DecisionModel)
	summarizer := decision.NewSummarizer(client, cfg.SummaryModel)
	dispatcher := dispatch.New(tools, toolRuntime, guard)

	var renderer *glamour.TermRenderer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if r, rerr := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0)); rerr == nil {
			renderer = r
		}
	}

	run, err := selectRun(states, strings.TrimSpace(*resumeFlag))
	if err != nil {
		log.Fatalf("%v", err)
	}
	slog.WithRun(run.Key()).Info("run selected", map[string]interface{}{"messages": run.MessageCount()})

	newRunner := func(run *state.Run) *agent.Runner {
		return agent.New(agent.Options{
			Client:     client,
			Run:        run,
			States:     states,
			Registry:   tools,
			Catalog:    toolRuntime,
			Dispatcher: dispatcher,
			Decider:    decider,
			Summarizer: summarizer,
			Memory:     store,
			Config:     cfg,
			Logger:     logger,
			Renderer:   renderer,
		})
	}
	runner := newRunner(run)
	tracker := newInterruptTracker(2 * time.Second)

	if line := strings.TrimSpace(*instruction); line != "" {
		go watchInterrupts(tracker, func() *agent.Runner { return runner })
		if err := runner.Run(ctx, line); err != nil {
			logging.ErrorLog("run failed: %v", err)
			os.Exit(1)
		}
		return
	}

	c := &console{
		states:    states,
		runtime:   toolRuntime,
		store:     store,
		cfg:       cfg,
		newRunner: newRunner,
		history:   loadInputHistory(cfg.HistoryPath),
		tracker:   tracker,
		runner:    runner,
	}
	go watchInterrupts(tracker, c.currentRunner)
	if err := c.run(ctx); err != nil {
		log.Fatalf("Console error: %v", err)
	}
}

// applyFlags folds explicit command line overrides into the loaded config.
// The -auto flag only counts when the user actually passed it, since every
// value including zero is meaningful.
func applyFlags(cfg *config.Config, workspace, input string, steps, auto int) {
	if ws := strings.TrimSpace(workspace); ws != "" {
		cfg.WorkspaceRoot = ws
	}
	if in := strings.TrimSpace(input); in != "" {
		cfg.InputDir = in
	}
	if steps > 0 {
		cfg.MaxSteps = steps
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "auto" && auto >= -1 {
			cfg.AutoContinue = auto
		}
	})
}

func selectRun(states *state.Manager, resumeKey string) (*state.Run, error) {
	if resumeKey == "" {
		return states.NewRun("")
	}
	run, err := states.Use(resumeKey)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w (use -list-sessions to see stored runs)", resumeKey, err)
	}
	logging.UserLog("Resumed run %q with %d messages", resumeKey, run.MessageCount())
	return run, nil
}

func printSessionList(summaries []state.Summary) {
	if len(summaries) == 0 {
		fmt.Println("No stored runs for this workspace.")
		return
	}
	fmt.Printf("%d stored runs (newest first):\n", len(summaries))
	for _, s := range summaries {
		goal := s.Goal
		if goal == "" {
			goal = "(no goal recorded)"
		}
		fmt.Printf("  %-20s %-9s steps=%-3d msgs=%-4d %s  %s\n",
			s.Key, s.Status, s.StepsTaken, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"), truncate(goal, 60))
	}
	fmt.Println("\nResume one with -resume <key>.")
}

func printToolCatalog(rt *plugins.Runtime) {
	entries := rt.Entries()
	byCategory := make(map[string][]plugins.Entry)
	for _, e := range entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	fmt.Printf("%d tools known\n", len(entries))
	for _, category := range categories {
		group := byCategory[category]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		fmt.Printf("\n[%s]\n", category)
		for _, e := range group {
			marker := " "
			if !e.Loaded {
				marker = "*"
			}
			fmt.Printf("  %s %-28s %s\n", marker, e.Name, e.Schema.Definition.Function.Description)
		}
	}
	fmt.Println("\nTools marked * load on first use.")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// runStorageRoot keeps run transcripts outside the agent-writable workspace,
// under a per-workspace directory in the config dir. The slug stays readable
// while the hash disambiguates workspaces that share a base name.
func runStorageRoot(workspaceRoot string) string {
	clean := filepath.Clean(workspaceRoot)
	base := filepath.Base(clean)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "workspace"
	}
	sum := sha1.Sum([]byte(clean))
	slug := fmt.Sprintf("%s-%s", sanitizeSlug(base), hex.EncodeToString(sum[:4]))
	return filepath.Join(config.GetConfigDir(), "projects", slug, "runs")
}

func sanitizeSlug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "workspace"
	}
	return out
}

func buildEnvironmentMetadata(workspace string) string {
	now := time.Now()
	zoneName, offset := now.Zone()
	if strings.TrimSpace(zoneName) == "" {
		zoneName = "Local"
	}
	lines := []string{
		fmt.Sprintf("- OS: %s (%s)", runtime.GOOS, runtime.GOARCH),
	}
	if shell := detectShell(); shell != "" {
		lines = append(lines, fmt.Sprintf("- Shell: %s", shell))
	}
	lines = append(lines, fmt.Sprintf("- Date: %s", now.Format("2006-01-02")))
	lines = append(lines, fmt.Sprintf("- Timezone: %s (UTC%s)", zoneName, formatUTCOffset(offset)))
	if locale := detectLocale(); locale != "" {
		lines = append(lines, fmt.Sprintf("- System Language: %s", locale))
	}
	if workspace != "" {
		lines = append(lines, fmt.Sprintf("- Workspace Root: %s", workspace))
	}
	if Version != "" {
		lines = append(lines, fmt.Sprintf("- Gofer Version: %s", Version))
	}
	return strings.Join(lines, "\n")
}

func detectShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	if shell := strings.TrimSpace(os.Getenv("COMSPEC")); shell != "" {
		return shell
	}
	return ""
}

func detectLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

func formatUTCOffset(offsetSeconds int) string {
	sign := "+"
	if offsetSeconds < 0 {
		sign = "-"
		offsetSeconds = -offsetSeconds
	}
	hours := offsetSeconds / 3600
	minutes := (offsetSeconds % 3600) / 60
	return fmt.Sprintf("%s%02d:%02d", sign, hours, minutes)
}
