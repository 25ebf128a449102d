package segmentation

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
)

// Command describes one tool invocation.
type Command struct {
	Binary string
	Args   []string
	Env    []string
	// Line receives each line of combined output as it is produced.
	Line func(string)
}

// Executor abstracts command execution for testing.
type Executor interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec
	cmd.Env = append(os.Environ(), c.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var captured bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			captured.WriteString(line)
			captured.WriteByte('\n')
			if c.Line != nil {
				c.Line(line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	<-done
	return captured.Bytes(), err
}
