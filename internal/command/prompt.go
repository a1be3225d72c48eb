package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

const promptHelp = `Commands:
  1 = manual:screener   2 = manual:confirmer
  mode <screener|confirmer|hybrid|manual:screener|manual:confirmer>
  ping`

// RunPrompt reads commands line by line from in and prints each response to
// out. It returns when in is exhausted or ctx is done.
func RunPrompt(ctx context.Context, ch *Channel, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(out, promptHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if line == "" {
				continue
			}
			if line == "help" || line == "?" {
				fmt.Fprintln(out, promptHelp)
				continue
			}
			cmd, err := Parse(line)
			if err != nil {
				fmt.Fprintf(out, "rejected: %v\n", err)
				continue
			}
			cmd.Origin = "stdin"
			resp := ch.Submit(ctx, cmd)
			if resp.OK {
				fmt.Fprintf(out, "ok: mode=%s\n", resp.Mode)
			} else {
				fmt.Fprintf(out, "rejected: %s (mode=%s)\n", resp.Reason, resp.Mode)
			}
		}
	}
}
