// Package cli runs line oriented command loop, interactive prompt on terminal.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds lines to exec.
// Terminal stdin gets go-prompt with completion until Ctrl-D, exec must handle "exit" itself.
// Otherwise lines are read as script until EOF, "exit" or ctx cancel.
func MainLoop(ctx context.Context, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		p := prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		)
		p.Run()
		return nil
	}
	return ScriptLoop(ctx, os.Stdin, exec)
}

func ScriptLoop(ctx context.Context, r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if isExit(line) {
			return nil
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

func isExit(line string) bool {
	line = strings.TrimSpace(line)
	return line == "exit" || line == "quit"
}
