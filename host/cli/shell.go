package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Shell reads command lines until EOF, quit or ctx ends
func Shell(ctx context.Context, d *Dispatcher) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pcapwm> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("start"), readline.PcItem("stop"), readline.PcItem("test"),
			readline.PcItem("reset"), readline.PcItem("info"), readline.PcItem("status"),
			readline.PcItem("mixer"),
			readline.PcItem("mode", readline.PcItem("off"), readline.PcItem("on"), readline.PcItem("test")),
			readline.PcItem("help"), readline.PcItem("quit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	d.SetOutput(rl.Stdout())
	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		}
		if err := d.Exec(line); err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}
