package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"gofer/internal/agent"
	"gofer/internal/config"
	"gofer/internal/logging"
	"gofer/internal/memory"
	"gofer/internal/plugins"
	"gofer/internal/prompts"
	"gofer/internal/state"
)

// console is the interactive shell. Plain lines run the agent, lines starting
// with ':' are commands. Switching runs swaps in a fresh runner because a
// runner is bound to one run for its lifetime.
type console struct {
	states    *state.Manager
	runtime   *plugins.Runtime
	store     *memory.Store
	cfg       config.Config
	newRunner func(*state.Run) *agent.Runner
	history   *inputHistory
	tracker   *interruptTracker

	mu     sync.Mutex
	runner *agent.Runner
}

type promptExit struct{}

func (c *console) currentRunner() *agent.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner
}

func (c *console) switchRun(run *state.Run) {
	c.mu.Lock()
	c.runner = c.newRunner(run)
	c.mu.Unlock()
}

func (c *console) run(ctx context.Context) error {
	fmt.Println("Welcome to gofer. Type an instruction to start a run, or ':help' for commands.")
	if run := c.states.Current(); run.MessageCount() > 0 {
		fmt.Printf("(resumed run %q with %d messages)\n", run.Key(), run.MessageCount())
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return c.runPrompt(ctx)
	}
	return c.runPlain(ctx)
}

func (c *console) runPrompt(ctx context.Context) (err error) {
	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if saved, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, saved) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		c.history.Add(line)
		if exit := c.handleLine(ctx, line); exit {
			exitRequested.Store(true)
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		c.commandCompleter(),
		prompt.OptionHistory(c.history.Entries()),
		prompt.OptionTitle("gofer"),
		prompt.OptionLivePrefix(func() (string, bool) {
			current := c.states.Current()
			return fmt.Sprintf("[%s] > ", current.Key()), true
		}),
		prompt.OptionAddKeyBind(
			prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(buf *prompt.Buffer) {
					if r := c.currentRunner(); r.Active() {
						r.RequestStop()
						return
					}
					if c.tracker.secondPress() {
						fmt.Println("\nReceived second Ctrl+C, exiting.")
						exitRequested.Store(true)
						panic(promptExit{})
					}
					fmt.Println("\n(Press Ctrl+C again within 2s to exit)")
				},
			},
			prompt.KeyBind{
				Key: prompt.ControlD,
				Fn: func(buf *prompt.Buffer) {
					if buf.Text() == "" {
						exitRequested.Store(true)
						panic(promptExit{})
					}
				},
			},
		),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			if exitRequested.Load() {
				return true
			}
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		}),
	)

	p.Run()
	return nil
}

func (c *console) runPlain(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Printf("[%s] > ", c.states.Current().Key())
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.history.Add(line)
		if exit := c.handleLine(ctx, line); exit {
			return nil
		}
	}
}

func (c *console) commandCompleter() func(prompt.Document) []prompt.Suggest {
	return func(doc prompt.Document) []prompt.Suggest {
		word := doc.GetWordBeforeCursor()
		prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
		if !strings.HasPrefix(prefix, ":") {
			return nil
		}
		return prompt.FilterHasPrefix(commandSuggestions, word, true)
	}
}

// handleLine runs one instruction or command. It reports whether the console
// should exit.
func (c *console) handleLine(ctx context.Context, input string) bool {
	trimmed := strings.TrimLeft(input, " \t")
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, ":") {
		return c.handleCommand(ctx, strings.TrimSpace(input))
	}

	runner := c.currentRunner()
	if err := runner.Run(ctx, input); err != nil {
		logging.ErrorLog("run failed: %v", err)
		fmt.Printf("Run failed: %v\n", err)
	}
	return false
}

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "Show available commands"},
	{Text: ":sessions", Description: "List stored runs"},
	{Text: ":use", Description: "Switch to a run by key"},
	{Text: ":new", Description: "Start a fresh run"},
	{Text: ":drop", Description: "Delete a stored run"},
	{Text: ":tools", Description: "Show the tool catalog"},
	{Text: ":load", Description: "Load a remote tool by name"},
	{Text: ":runs", Description: "Show recent run history"},
	{Text: ":status", Description: "Show the current run"},
	{Text: ":quit", Description: "Exit gofer"},
	{Text: ":exit", Description: "Exit gofer"},
}

func (c *console) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case ":help":
		printHelp()
	case ":sessions":
		c.printSessions()
	case ":use":
		if len(args) != 1 {
			fmt.Println("Usage: :use <key>")
			break
		}
		run, err := c.states.EnsureRun(args[0])
		if err != nil {
			fmt.Printf("Cannot switch run: %v\n", err)
			break
		}
		c.switchRun(run)
		fmt.Printf("Now on run %q (%d messages)\n", run.Key(), run.MessageCount())
	case ":new":
		key := ""
		if len(args) > 0 {
			key = args[0]
		}
		run, err := c.states.NewRun(key)
		if err != nil {
			fmt.Printf("Cannot create run: %v\n", err)
			break
		}
		c.switchRun(run)
		fmt.Printf("Started run %q\n", run.Key())
	case ":drop":
		if len(args) != 1 {
			fmt.Println("Usage: :drop <key>")
			break
		}
		if err := c.states.Delete(args[0]); err != nil {
			fmt.Printf("Cannot drop run: %v\n", err)
			break
		}
		fmt.Printf("Dropped run %q\n", args[0])
		// Dropping the current run leaves no selection; Current() picks or
		// creates one, and the runner has to follow it.
		c.switchRun(c.states.Current())
	case ":tools":
		printToolCatalog(c.runtime)
	case ":load":
		if len(args) != 1 {
			fmt.Println("Usage: :load <name>")
			break
		}
		if c.runtime.Load(ctx, args[0]) {
			fmt.Printf("Loaded %s\n", args[0])
		} else {
			fmt.Printf("Could not load %s (unknown tool or fetch failure, see the log)\n", args[0])
		}
	case ":runs":
		limit := 5
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		c.printRunHistory(limit)
	case ":status":
		c.printStatus()
	case ":quit", ":exit":
		return true
	default:
		fmt.Printf("Unknown command %s. Try :help.\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Print(`Commands:
  :help            show this help
  :sessions        list stored runs (newest first)
  :use <key>       switch to a run, creating it if needed
  :new [key]       start a fresh run
  :drop <key>      delete a stored run
  :tools           show the tool catalog
  :load <name>     load a remote tool now instead of on first use
  :runs [n]        show recent run history from the memory store
  :status          show the current run
  :quit            exit

Anything else is sent to the agent as an instruction.
`)
}

func (c *console) printSessions() {
	summaries := c.states.Summaries()
	if len(summaries) == 0 {
		fmt.Println("No stored runs yet.")
		return
	}
	current := c.states.CurrentKey()
	for _, s := range summaries {
		marker := " "
		if s.Key == current {
			marker = "*"
		}
		goal := s.Goal
		if goal == "" {
			goal = "(no goal yet)"
		}
		fmt.Printf("%s %-20s %-9s steps=%-3d %s\n", marker, s.Key, s.Status, s.StepsTaken, truncate(goal, 60))
	}
}

func (c *console) printRunHistory(limit int) {
	if c.store == nil {
		fmt.Println("Run history persistence is disabled.")
		return
	}
	runs, err := c.store.RecentRuns(limit)
	if err != nil {
		fmt.Printf("Cannot read run history: %v\n", err)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs yet.")
		return
	}
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "open"
		}
		fmt.Printf("#%-4d %s %-10s steps=%-3d %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04"), outcome, r.Steps, truncate(r.Instruction, 60))
		changes, err := c.store.Changes(r.ID)
		if err != nil {
			continue
		}
		for _, ch := range changes {
			fmt.Printf("      %-20s %s\n", ch.Operation, ch.File)
		}
	}
}

func (c *console) printStatus() {
	run := c.states.Current()
	fmt.Printf("Run:           %s\n", run.Key())
	fmt.Printf("Status:        %s\n", run.Status())
	fmt.Printf("Steps taken:   %d\n", run.StepsTaken())
	fmt.Printf("Messages:      %d\n", run.MessageCount())
	if goal := run.Goal(); goal != "" {
		fmt.Printf("Goal:          %s\n", goal)
	}
	fmt.Printf("Step budget:   %d\n", c.cfg.MaxSteps)
	fmt.Printf("Auto-continue: %s\n", prompts.AutoStatus(c.cfg.AutoContinue))
	count, chars := c.history.Stats()
	fmt.Printf("History:       %d entries (%d chars added this session)\n", count, chars)
}

// interruptTracker notices a second Ctrl+C arriving within the window.
type interruptTracker struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
}

func newInterruptTracker(window time.Duration) *interruptTracker {
	return &interruptTracker{window: window}
}

func (t *interruptTracker) secondPress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.window {
		t.last = time.Time{}
		return true
	}
	t.last = now
	return false
}

// watchInterrupts turns the first Ctrl+C into a stop request for the run in
// flight and a quick second press into a hard exit. While the interactive
// prompt holds the terminal in raw mode Ctrl+C arrives as a key bind instead,
// sharing the same tracker.
func watchInterrupts(tracker *interruptTracker, current func() *agent.Runner) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for range sigCh {
		if tracker.secondPress() {
			fmt.Println("\nReceived second interrupt, exiting.")
			os.Exit(130)
		}
		if r := current(); r != nil && r.Active() {
			r.RequestStop()
			fmt.Println("\n(Press Ctrl+C again within 2s to force exit)")
			continue
		}
		fmt.Println("\n(Press Ctrl+C again within 2s to exit)")
	}
}
