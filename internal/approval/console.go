package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ConsoleApprover asks for decisions on an interactive terminal. It suits a
// single-operator deployment; larger installations plug in their own Approver
// against a ticketing or chat surface.
type ConsoleApprover struct {
	Operator string

	mu  sync.Mutex // one prompt on the terminal at a time
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleApprover reads answers from in and writes prompts to out.
func NewConsoleApprover(in io.Reader, out io.Writer, operator string) *ConsoleApprover {
	if operator == "" {
		operator = "console"
	}
	return &ConsoleApprover{
		Operator: operator,
		in:       bufio.NewReader(in),
		out:      out,
	}
}

// Decide prompts and blocks until an answer arrives or the context ends.
func (c *ConsoleApprover) Decide(ctx context.Context, req Request) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\napproval needed: session=%s tier=%s score=%d findings=%d\napprove? [y/N]: ",
		req.SessionID, req.RiskTier, req.RiskScore, req.FindingCount)

	answerCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		answerCh <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out, "(expired)")
		return false, c.Operator, ctx.Err()
	case err := <-errCh:
		return false, c.Operator, err
	case line := <-answerCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", c.Operator, nil
	}
}
