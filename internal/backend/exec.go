package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"dagrunner/internal/streamio"
	"github.com/rs/zerolog/log"
)

// how long to wait for the output pipes to drain once the process has been killed
const waitDelay = 2 * time.Second

// ExitError is returned when a batch system tool ran but exited with a non-zero code
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// commander runs the batch system's command line tools inside one directory
type commander struct {
	dir    string
	stderr io.Writer // receives the tools' error streams, one prefix per line
}

func newCommander(dir string) commander {
	return commander{dir: dir, stderr: os.Stderr}
}

// SetStderr redirects the error streams of the batch system tools
func (c *commander) SetStderr(w io.Writer) {
	c.stderr = w
}

// run executes the command and returns its standard output. The process belongs to ctx: it is killed,
// together with anything it spawned, when ctx ends.
func (c *commander) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log.Debug().
		Str("command", name).
		Strs("args", args).
		Str("dir", c.dir).
		Msg("Executing batch command")

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = streamio.NewPrefixWriter(c.stderr, "["+filepath.Base(name)+"] ")

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), fmt.Errorf("%s was cancelled: %w", name, ctxErr)
		}

		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return stdout.Bytes(), &ExitError{Command: name, ExitCode: exitError.ExitCode()}
		}
		return stdout.Bytes(), fmt.Errorf("could not run %s: %w", name, err)
	}

	return stdout.Bytes(), nil
}

// lines splits command output into lines, dropping blank ones
func lines(out []byte) (result []string) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		result = append(result, line)
	}
	return
}
