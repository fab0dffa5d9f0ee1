package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecProvider runs a local speech engine that reads text on stdin and
// writes encoded audio to stdout.
type ExecProvider struct {
	cmd    []string
	format string
}

func NewExecProvider(command, format string) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if format == "" {
		format = "mp3"
	}
	return &ExecProvider{cmd: args, format: format}, nil
}

func (e *ExecProvider) Format() string { return e.format }

func (e *ExecProvider) Fetch(ctx context.Context, seg Segment, w io.Writer) error {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = strings.NewReader(seg.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	counter := &countingWriter{w: w}
	cmd.Stdout = counter

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	if counter.n == 0 {
		return fmt.Errorf("tts command produced no audio")
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
