package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dagrunner/internal/models"
)

// directive is a single batch system option written into the script header, e.g. "#$ -N n12"
type directive struct {
	flag  string
	value string
}

// wrapperScript is the executable file handed to the batch system. Directives found in the task's own
// script are hoisted into the header and never duplicated by generated ones.
type wrapperScript struct {
	prefix   string      // directive marker of the batch system, "#MSUB" or "#$"
	defaults []directive // only written when the task does not set the flag itself
	baseDir  string
	body     []string
}

func newWrapperScript(prefix, baseDir, script string) *wrapperScript {
	return &wrapperScript{
		prefix:  prefix,
		baseDir: baseDir,
		body:    splitScript(script),
	}
}

func splitScript(script string) []string {
	return strings.Split(strings.TrimRight(script, "\n"), "\n")
}

// userFlags returns the flags of the directives already present in the task's script
func (w *wrapperScript) userFlags() map[string]bool {
	flags := make(map[string]bool)
	for _, line := range w.body {
		if !strings.HasPrefix(line, w.prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, w.prefix))
		if len(fields) > 0 {
			flags[fields[0]] = true
		}
	}
	return flags
}

// hasFlag reports whether the task sets the directive itself
func (w *wrapperScript) hasFlag(flag string) bool {
	return w.userFlags()[flag]
}

func (w *wrapperScript) addDefault(flag, value string) {
	w.defaults = append(w.defaults, directive{flag: flag, value: value})
}

func (w *wrapperScript) render(now time.Time) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")

	for _, line := range w.body {
		if strings.HasPrefix(line, w.prefix) {
			sb.WriteString(line + "\n")
		}
	}

	userFlags := w.userFlags()
	for _, d := range w.defaults {
		if userFlags[d.flag] {
			continue
		}
		if d.value == "" {
			sb.WriteString(fmt.Sprintf("%s %s\n", w.prefix, d.flag))
		} else {
			sb.WriteString(fmt.Sprintf("%s %s %s\n", w.prefix, d.flag, d.value))
		}
	}

	sb.WriteString("# Generated by drctl " + now.Format("2006-01-02 15:04:05") + "\n")
	sb.WriteString("set -eu\n")
	sb.WriteString("cd " + shellQuote(w.baseDir) + "\n")

	for i, line := range w.body {
		if strings.HasPrefix(line, w.prefix) || (i == 0 && strings.HasPrefix(line, "#!")) {
			continue
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

// createArtifacts reserves the script, stdout and stderr paths of a task inside workDir
func createArtifacts(workDir string, task *models.Task) (*Submission, error) {
	f, err := os.CreateTemp(workDir, fmt.Sprintf("drctl.%d.*.sh", task.NodeID))
	if err != nil {
		return nil, fmt.Errorf("could not create script for %q: %w", task.Name, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &Submission{
		ScriptFile: f.Name(),
		StdoutFile: f.Name() + ".stdout",
		StderrFile: f.Name() + ".stderr",
	}, nil
}

func writeScript(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("could not write %s: %w", filepath.Base(path), err)
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0o755)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var threadOption = regexp.MustCompile(`(?:^|\s)(?:-t|-nt|-@|--threads|--cpus|--num_threads|-threads)[ =]?(\d+)\b`)

// countProcessors guesses how many cores the task needs from the thread options of the commands it
// runs. The largest value wins; tasks without such options get one core.
func countProcessors(script string) int {
	cores := 1
	for _, match := range threadOption.FindAllStringSubmatch(script, -1) {
		n, err := strconv.Atoi(match[1])
		if err == nil && n > cores {
			cores = n
		}
	}
	return cores
}
