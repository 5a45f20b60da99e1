// Package dag reads the graph of targets produced by the build-graph extractor.
//
// The document is JSON or YAML:
//
//	basedir: /data/project
//	targets:
//	  - name: out/a.bam
//	    id: 3
//	    prerequisites: [ref.fa, reads.fq]
//	    shell:
//	      - bwa mem -t 4 ref.fa reads.fq > out/a.bam
package dag

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dagrunner/internal/models"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Stdin is the source name that reads the document from standard input
const Stdin = "-"

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Node is a target of the graph
type Node struct {
	Name          string   `json:"name" yaml:"name"`
	ID            int64    `json:"id" yaml:"id"`
	Prerequisites []string `json:"prerequisites" yaml:"prerequisites"`
	Shell         []string `json:"shell" yaml:"shell"`
}

// Script joins the shell lines of the node, phony nodes have an empty script
func (n *Node) Script() string {
	if len(n.Shell) == 0 {
		return ""
	}
	return strings.Join(n.Shell, "\n") + "\n"
}

type Graph struct {
	BaseDir string `json:"basedir" yaml:"basedir"`
	Targets []Node `json:"targets" yaml:"targets"`
}

// Load reads the graph from a file, or from stdin when source is "-". A relative or missing base
// directory is resolved against the file's directory, or the current directory for stdin.
func Load(source string) (*Graph, error) {
	var (
		r      io.Reader
		format Format
		dir    string
	)

	if source == Stdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("%w: could not read stdin: %w", models.ErrIngest, err)
		}
		r, format = bytes.NewReader(data), sniff(data)
		if dir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrIngest, err)
		}
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrIngest, err)
		}
		defer f.Close()

		if format, err = formatOf(source); err != nil {
			return nil, err
		}
		if dir, err = filepath.Abs(filepath.Dir(source)); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrIngest, err)
		}
		r = f
	}

	return Read(r, format, dir)
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: unsupported graph file %q, expected .json, .yaml or .yml", models.ErrIngest, path)
	}
}

func sniff(data []byte) Format {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Read decodes and validates a graph. dir is the directory a relative base directory is resolved
// against.
func Read(r io.Reader, format Format, dir string) (*Graph, error) {
	var g Graph

	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&g)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&g)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: could not decode graph: %w", models.ErrIngest, err)
	}

	if g.BaseDir == "" {
		g.BaseDir = dir
	} else if !filepath.IsAbs(g.BaseDir) {
		g.BaseDir = filepath.Join(dir, g.BaseDir)
	}
	g.BaseDir = filepath.Clean(g.BaseDir)

	g.number()

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// number gives the targets their position as id when the document carries no ids at all. Ids that
// are present, 0 included, are kept.
func (g *Graph) number() {
	for _, n := range g.Targets {
		if n.ID != 0 {
			return
		}
	}
	for i := range g.Targets {
		g.Targets[i].ID = int64(i + 1)
	}
}

// Validate reports every problem of the graph at once
func (g *Graph) Validate() error {
	var errs []error

	if !filepath.IsAbs(g.BaseDir) {
		errs = append(errs, fmt.Errorf("base directory %q is not absolute", g.BaseDir))
	}
	if len(g.Targets) == 0 {
		errs = append(errs, errors.New("graph has no targets"))
	}

	names := make(map[string]bool, len(g.Targets))
	for i, n := range g.Targets {
		switch {
		case strings.TrimSpace(n.Name) == "":
			errs = append(errs, fmt.Errorf("target #%d has no name", i+1))
		case names[n.Name]:
			errs = append(errs, fmt.Errorf("target %q is defined twice", n.Name))
		}
		names[n.Name] = true
	}

	for _, n := range g.Targets {
		for _, p := range n.Prerequisites {
			if p == n.Name {
				errs = append(errs, fmt.Errorf("target %q depends on itself", n.Name))
			} else if !names[p] && !models.IsRootName(p) {
				errs = append(errs, fmt.Errorf("target %q depends on unknown target %q", n.Name, p))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: invalid graph: %w", models.ErrIngest, err)
	}
	return nil
}

// Tasks converts the targets into fresh task records
func (g *Graph) Tasks() []*models.Task {
	tasks := make([]*models.Task, 0, len(g.Targets))
	for i := range g.Targets {
		n := &g.Targets[i]
		tasks = append(tasks, models.NewTask(n.Name, n.ID, n.Script(), n.Prerequisites))
	}
	return tasks
}
