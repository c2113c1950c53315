package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sjq/engine/internal/protocol"
	"github.com/sjq/engine/internal/transport/command"
)

const usage = `usage: queuectl [-addr host:port] <command> [args]

commands:
  ping                    check the engine answers
  add <type> [args]       enqueue a task, optionally overriding its arguments
  rm <id>                 remove a task that is not running
  setargs <id> [args]     set a task's argument override, or clear it when omitted
`

var errUsage = errors.New("invalid usage")

func main() {
	addr := flag.String("addr", "127.0.0.1:23347", "Engine command address")
	timeout := flag.Duration("timeout", 10*time.Second, "Exchange timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ok, err := run(context.Background(), *addr, *timeout, flag.Args(), os.Stdout)
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("queuectl: %v", err)
	}
	if !ok {
		os.Exit(1)
	}
}

// run sends one command and prints the engine's answer. It reports whether
// the engine answered OK.
func run(ctx context.Context, addr string, timeout time.Duration, args []string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, errUsage
	}

	var (
		name   string
		encode func(w *protocol.Writer) error
	)
	switch args[0] {
	case "ping":
		name = command.CmdPing
	case "add":
		if len(args) < 2 || len(args) > 3 {
			return false, errUsage
		}
		taskType, override := args[1], optional(args[2:])
		name = command.CmdAddTask
		encode = func(w *protocol.Writer) error {
			if err := w.WriteString(taskType); err != nil {
				return err
			}
			return w.WriteOptionalString(override)
		}
	case "rm":
		if len(args) != 2 {
			return false, errUsage
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("task id %q: %w", args[1], err)
		}
		name = command.CmdRemoveTask
		encode = func(w *protocol.Writer) error {
			return w.WriteInt64(id)
		}
	case "setargs":
		if len(args) < 2 || len(args) > 3 {
			return false, errUsage
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("task id %q: %w", args[1], err)
		}
		override := optional(args[2:])
		name = command.CmdSetArgs
		encode = func(w *protocol.Writer) error {
			if err := w.WriteInt64(id); err != nil {
				return err
			}
			return w.WriteOptionalString(override)
		}
	default:
		return false, errUsage
	}

	s, err := protocol.Dial(ctx, addr, timeout, timeout)
	if err != nil {
		return false, err
	}
	defer s.Close()

	ok, err := s.Call(ctx, name, encode)
	if err != nil {
		return false, err
	}
	if ok {
		fmt.Fprintln(out, protocol.AckOK)
	} else {
		fmt.Fprintln(out, protocol.AckERR)
	}
	return ok, nil
}

func optional(rest []string) *string {
	if len(rest) == 0 {
		return nil
	}
	return &rest[0]
}
