// Command codex-chat sends one prompt through a Codex app-server and prints
// the streamed reply. It is a smoke-test harness, not a full REPL.
//
// Usage:
//
//	codex-chat [-config codex.yaml] [-model gpt-5-codex] [-thread thr_123] "prompt"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"goa.design/clue/log"

	"goa.design/codex"
	"goa.design/codex/prompt"
	"goa.design/codex/stream"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML options file")
		model      = flag.String("model", "", "model override for this turn")
		threadID   = flag.String("thread", "", "resume an existing thread")
		debug      = flag.Bool("debug", false, "log wire packets")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: codex-chat [flags] \"prompt\"")
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	var (
		opts codex.Options
		err  error
	)
	if *configPath != "" {
		if opts, err = codex.LoadOptions(*configPath); err != nil {
			log.Fatal(ctx, err)
		}
	}
	opts.Debug.LogPackets = opts.Debug.LogPackets || *debug

	p, err := codex.New(opts)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer p.Close(ctx)

	msgs := []prompt.Message{prompt.Text(prompt.RoleUser, flag.Arg(0))}
	if *threadID != "" {
		// A recorded assistant turn is how the provider detects a resume.
		msgs = append([]prompt.Message{{
			Role:     prompt.RoleAssistant,
			Metadata: prompt.WithThreadID(*threadID),
		}}, msgs...)
	}

	s, err := p.Stream(ctx, &codex.Request{Messages: msgs, Model: *model})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer s.Close()

	for {
		part, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatal(ctx, err)
		}
		switch part.Type {
		case stream.PartTextDelta:
			fmt.Print(part.Delta)
		case stream.PartToolCall:
			fmt.Printf("\n[tool %s %s]\n", part.ToolName, part.Input)
		case stream.PartFinish:
			fmt.Printf("\n[%s in=%d out=%d]\n",
				part.FinishReason, part.Usage.InputTokens, part.Usage.OutputTokens)
		case stream.PartError:
			log.Fatal(ctx, part.Err)
		}
	}
	if id := s.Metadata().ThreadID; id != "" {
		fmt.Fprintf(os.Stderr, "thread: %s\n", id)
	}
}
