// Command coreengine is the ambient wiring entry point: it reads the
// injected-path environment, opens or creates a session, and drives one
// user turn through the agent loop to standard output.
//
// It deliberately does not implement CLI UX, flag parsing beyond the bare
// minimum, or TUI rendering — those remain external collaborators per
// §1's Non-goals. It exists so the library can be exercised by hand,
// grounded in agentloop/doc.go's own "Quick Start" shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"coreengine/engine"
	"coreengine/provider"
	"coreengine/session"
	"coreengine/tools"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg engine.EnvConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "coreengine: failed to read environment:", err)
		return 1
	}

	continueFlag := flag.Bool("continue", false, "continue the most recently touched session in this directory")
	noSession := flag.Bool("no-session", false, "run without persisting a session file")
	flag.Parse()

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: coreengine [-continue|-no-session] <prompt>")
		return 2
	}

	if cfg.AnthropicKey == "" {
		fmt.Fprintln(os.Stderr, "coreengine: ANTHROPIC_API_KEY is not set")
		return 1
	}

	store, err := openStore(cfg, *continueFlag, *noSession)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreengine:", err)
		return 1
	}
	defer store.Close()

	adapter, err := provider.NewAnthropicAdapter(cfg.AnthropicKey, cfg.Model)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreengine:", err)
		return 1
	}

	registry := tools.NewToolRegistry()
	tools.RegisterFileTools(registry)
	tools.RegisterShell(registry)

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreengine:", err)
		return 1
	}

	loop := engine.NewLoop(store, adapter, registry, engine.DefaultConfig())
	loop.Model = cfg.Model
	loop.MaxTokens = 4096
	loop.WorkingDir = wd
	loop.SystemPrompt = "You are a terminal coding agent with access to file and shell tools."
	loop.Observer = engine.FuncObserver{
		StreamEvent: func(ev provider.StreamEvent) {
			if ev.Type == provider.EventContentBlockDelta && ev.DeltaText != "" {
				fmt.Print(ev.DeltaText)
			}
		},
		ToolStart: func(callID, name string) {
			slog.Info("tool started", "call_id", callID, "name", name)
		},
		Error: func(err error) {
			fmt.Fprintln(os.Stderr, "\ncoreengine:", err)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := loop.Run(ctx, prompt); err != nil {
		fmt.Fprintln(os.Stderr, "\ncoreengine:", err)
		return 1
	}
	fmt.Println()
	return 0
}

func openStore(cfg engine.EnvConfig, continueSession, noSession bool) (session.Store, error) {
	if noSession {
		return session.NewMemStore(), nil
	}

	sessionsDir := cfg.SessionsDir
	if sessionsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		sessionsDir = home + "/.coreengine/sessions"
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	if continueSession {
		// Locating the most-recently-touched session file is the index's
		// job (session.Index); falling back to a new session keeps the
		// entry point usable when none exists yet.
		idx, err := session.OpenIndex(sessionsDir)
		if err == nil {
			if path, ok := idx.MostRecent(session.EncodeCwd(wd)); ok {
				return session.Open(path)
			}
		}
	}

	path := session.SessionPath(sessionsDir, wd, time.Now())
	return session.Create(path, wd)
}
