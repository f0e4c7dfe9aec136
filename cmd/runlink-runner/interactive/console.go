// Package interactive provides the interactive command-line interface
// for the runlink runner.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/runlink-protocol/runlink-go/pkg/runner"
	"github.com/runlink-protocol/runlink-go/pkg/wire"
)

// Console handles interactive mode for runlink-runner.
type Console struct {
	eng *runner.Engine
	rl  *readline.Instance
}

// New creates a new interactive console around a started runner engine.
func New(eng *runner.Engine) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "runner> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{eng: eng, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// PrintMessage displays an asynchronous engine notification above the prompt.
func (c *Console) PrintMessage(operationID string, msg wire.Message) {
	fmt.Fprintf(c.rl.Stdout(), "[%s] %s\n", operationID, msg.Type())
}

// Run starts the interactive command loop. It returns when the user
// exits or ctx is cancelled.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "state", "s":
			fmt.Fprintf(c.rl.Stdout(), "State: %s\n", c.eng.State())

		case "info", "i":
			c.cmdInfo()

		case "find", "f":
			c.cmdFind(args)

		case "run", "r":
			c.cmdRun(args)

		case "cancel", "c":
			c.cmdCancel(args)

		case "quit", "q", "exit":
			if err := c.eng.SendQuit(); err != nil {
				fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
			}
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (try 'help')\n", cmd)
		}
	}
}

func (c *Console) cmdInfo() {
	version, err := c.eng.ProtocolVersion()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	assemblyID, err := c.eng.TestAssemblyUniqueID()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	name, err := c.eng.TestFrameworkDisplayName()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Protocol version: %s\n", version)
	fmt.Fprintf(c.rl.Stdout(), "Assembly ID:      %s\n", assemblyID)
	fmt.Fprintf(c.rl.Stdout(), "Framework:        %s\n", name)
}

func (c *Console) cmdFind(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: find <operation-id>")
		return
	}
	if err := c.eng.SendFind(args[0]); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
	}
}

func (c *Console) cmdRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: run <operation-id>")
		return
	}
	if err := c.eng.SendRun(args[0]); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
	}
}

func (c *Console) cmdCancel(args []string) {
	operationID := ""
	if len(args) > 0 {
		operationID = args[0]
	}
	if err := c.eng.SendCancel(operationID); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.rl.Stdout(), `Commands:
  state, s              Show connection state
  info, i               Show negotiated engine info
  find, f <op-id>       Request test discovery
  run, r <op-id>        Request test execution
  cancel, c [<op-id>]   Request cancellation
  quit, q               Send QUIT and exit
  help, ?               Show this help
`)
}
