// cmd/luaj/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"luaj/internal/errors"
	"luaj/internal/netload"
	"luaj/internal/state"
	"luaj/internal/value"
)

func main() {
	os.Exit(main1())
}

// main1 holds the entire CLI dispatch, returning the process exit code
// instead of calling os.Exit directly so it can be driven from tests via
// testscript.RunMain.
func main1() int {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		return int(errors.ErrRun)
	}

	if args[0] == "serve" {
		addr := ":8765"
		if len(args) > 1 {
			addr = args[1]
		}
		if err := serve(addr); err != nil {
			log.Printf("luaj serve: %v", err)
			return int(errors.ErrRun)
		}
		return int(errors.OK)
	}

	return int(run(args[0]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: luaj <file.lua> | luaj -  | luaj serve [addr]")
}

// run loads and executes the named file ("-" for stdin), printing every
// value the chunk returned and exiting with the numeric status code.
func run(path string) errors.Status {
	sessionID := uuid.NewString()

	var src io.Reader
	chunkName := path
	if path == "-" {
		src = os.Stdin
		chunkName = "stdin"
	} else {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return errors.ErrRun
		}
		defer f.Close()
		src = f
	}

	body, err := io.ReadAll(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return errors.ErrRun
	}

	s := state.NewState(nil, nil)
	defer s.Close()

	done := false
	read := func(any) ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return body, nil
	}

	loadStatus := s.Load(read, nil, chunkName)
	if loadStatus != errors.OK {
		reportError(sessionID, chunkName, s.Pop())
		return loadStatus
	}

	const allResults = -1
	callStatus := s.PCall(0, allResults, 0)
	if callStatus != errors.OK {
		reportError(sessionID, chunkName, s.Pop())
		return callStatus
	}

	printResults(s)

	log.Printf("session=%s chunk=%s status=%s", sessionID, chunkName, callStatus)
	return errors.OK
}

func printResults(s *state.State) {
	n := s.Top()
	vals := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		vals[i] = s.Pop()
	}
	for _, v := range vals {
		fmt.Println(formatValue(v))
	}
}

func formatValue(v value.Value) string {
	switch {
	case value.IsNil(v):
		return "nil"
	case value.IsTrue(v):
		return "true"
	case value.IsFalse(v):
		return "false"
	case value.IsNum(v):
		return fmt.Sprintf("%g", value.AsNum(v))
	case value.IsStr(v):
		return value.AsStr(v).String()
	case value.IsFn(v):
		return "function"
	default:
		return "value"
	}
}

// reportError prints msg to stderr, highlighted in red when stderr is an
// interactive terminal.
func reportError(sessionID, chunkName string, msg value.Value) {
	text := value.AsStr(msg).String()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\x1b[31m%s\x1b[0m\n", text)
	} else {
		fmt.Fprintln(os.Stderr, text)
	}
	log.Printf("session=%s chunk=%s error=%q", sessionID, chunkName, text)
}

// serve runs the WebSocket load/eval server until SIGINT/SIGTERM, then
// shuts it down gracefully.
func serve(addr string) error {
	srv := netload.NewServer(addr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})
	return g.Wait()
}
