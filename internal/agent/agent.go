// Package agent describes the agent CLIs the orchestrator can launch and
// composes their command lines from declared capability flags.
package agent

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Delivery selects how user input reaches an agent.
type Delivery string

const (
	// DeliveryStdin keeps one long-lived process and writes prompts to stdin.
	DeliveryStdin Delivery = "stdin"
	// DeliveryBatch spawns a fresh process per prompt, carrying the prompt
	// as an argument.
	DeliveryBatch Delivery = "batch"
)

// ErrNoTurnEnd reports an agent whose turns can never finish: it reads
// prompts on stdin but has no parser to report a result.
var ErrNoTurnEnd = errors.New("agent cannot signal the end of a turn")

// valuePlaceholder is replaced in flag templates by the option's value.
const valuePlaceholder = "{value}"

// Definition describes one agent CLI. Each *Args field is a flag family;
// an empty family means the agent does not support that capability.
type Definition struct {
	ID       string            `toml:"id" json:"id"`
	Name     string            `toml:"name" json:"name"`
	Binary   string            `toml:"binary" json:"binary"`
	Args     []string          `toml:"args" json:"args,omitempty"`
	Delivery Delivery          `toml:"delivery" json:"delivery"`
	Env      map[string]string `toml:"env" json:"env,omitempty"`

	// Parser is the output parser family; empty means raw output.
	Parser string `toml:"parser" json:"parser,omitempty"`

	BatchModePrefix []string `toml:"batch_mode_prefix" json:"batchModePrefix,omitempty"`
	BatchModeArgs   []string `toml:"batch_mode_args" json:"batchModeArgs,omitempty"`
	// BypassArgs skip permission prompts in batch mode. They are left out
	// when read-only is requested.
	BypassArgs []string `toml:"bypass_args" json:"bypassArgs,omitempty"`
	InteractiveArgs []string `toml:"interactive_args" json:"interactiveArgs,omitempty"`
	JSONOutputArgs  []string `toml:"json_output_args" json:"jsonOutputArgs,omitempty"`
	WorkDirArgs     []string `toml:"workdir_args" json:"workDirArgs,omitempty"`
	ReadOnlyArgs    []string `toml:"read_only_args" json:"readOnlyArgs,omitempty"`
	ModelArgs       []string `toml:"model_args" json:"modelArgs,omitempty"`
	ResumeArgs      []string `toml:"resume_args" json:"resumeArgs,omitempty"`
	PromptArgs      []string `toml:"prompt_args" json:"promptArgs,omitempty"`
}

// Capabilities summarizes which optional flag families an agent declares.
type Capabilities struct {
	Batch      bool `json:"batch"`
	JSONOutput bool `json:"jsonOutput"`
	WorkDir    bool `json:"workDir"`
	ReadOnly   bool `json:"readOnly"`
	Model      bool `json:"model"`
	Resume     bool `json:"resume"`
	Prompt     bool `json:"prompt"`
}

// Capabilities derives capability support from the declared flag families.
func (d *Definition) Capabilities() Capabilities {
	return Capabilities{
		Batch:      d.Delivery == DeliveryBatch || len(d.BatchModePrefix) > 0 || len(d.BatchModeArgs) > 0,
		JSONOutput: len(d.JSONOutputArgs) > 0,
		WorkDir:    len(d.WorkDirArgs) > 0,
		ReadOnly:   len(d.ReadOnlyArgs) > 0,
		Model:      len(d.ModelArgs) > 0,
		Resume:     len(d.ResumeArgs) > 0,
		Prompt:     len(d.PromptArgs) > 0,
	}
}

// Validate checks the fields every definition needs.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition missing id")
	}
	if d.Binary == "" {
		return fmt.Errorf("agent %s: missing binary", d.ID)
	}
	switch d.Delivery {
	case DeliveryStdin, DeliveryBatch:
	default:
		return fmt.Errorf("agent %s: unknown delivery %q", d.ID, d.Delivery)
	}
	return d.CheckTurns()
}

// CheckTurns reports whether prompts sent to the agent can complete. Batch
// agents finish a turn by exiting; stdin agents stay alive and need a
// parser to see the result event.
func (d *Definition) CheckTurns() error {
	if d.Delivery == DeliveryStdin && d.Parser == "" {
		return fmt.Errorf("%w: %s reads stdin but has no parser", ErrNoTurnEnd, d.ID)
	}
	return nil
}

// Options are the per-spawn capability requests. Zero values mean "not
// requested".
type Options struct {
	Batch      bool
	JSONOutput bool
	WorkDir    string
	ReadOnly   bool
	Model      string
	ResumeID   string
	Prompt     string
}

// BuildArgs composes the argument vector for def under opts. Flag families
// are applied independently, in a fixed order, and only when both requested
// and declared; unsupported requests are dropped silently.
func BuildArgs(def *Definition, opts Options) []string {
	args := append([]string{}, def.Args...)

	if opts.Batch {
		args = append(args, def.BatchModePrefix...)
	} else {
		args = append(args, def.InteractiveArgs...)
	}
	if opts.JSONOutput {
		args = append(args, def.JSONOutputArgs...)
	}
	if opts.ReadOnly {
		args = append(args, def.ReadOnlyArgs...)
	}
	if opts.Model != "" {
		args = appendTemplate(args, def.ModelArgs, opts.Model)
	}
	if opts.WorkDir != "" {
		args = appendTemplate(args, def.WorkDirArgs, opts.WorkDir)
	}
	if opts.ResumeID != "" {
		args = appendTemplate(args, def.ResumeArgs, opts.ResumeID)
	}
	if opts.Batch {
		args = append(args, def.BatchModeArgs...)
		if !opts.ReadOnly {
			args = append(args, def.BypassArgs...)
		}
	}
	if opts.Prompt != "" && len(def.PromptArgs) > 0 {
		args = appendTemplate(args, def.PromptArgs, opts.Prompt)
	}
	return args
}

func appendTemplate(args, template []string, value string) []string {
	for _, t := range template {
		args = append(args, strings.ReplaceAll(t, valuePlaceholder, value))
	}
	return args
}

// Environ returns the process environment for def: the current environment
// plus the definition's overrides.
func (d *Definition) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return env
}

// Catalog is a concurrency-safe set of agent definitions.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns a catalog holding the built-in definitions followed by
// extra, which override built-ins with the same id.
func NewCatalog(extra ...Definition) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(extra); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps the catalog contents for the built-ins plus defs. On a
// validation error the catalog is left unchanged.
func (c *Catalog) Replace(defs []Definition) error {
	next := make(map[string]Definition)
	for _, d := range Builtins() {
		next[d.ID] = d
	}
	for _, d := range defs {
		if d.Delivery == "" {
			d.Delivery = DeliveryBatch
		}
		if err := d.Validate(); err != nil {
			return err
		}
		next[d.ID] = d
	}

	c.mu.Lock()
	c.defs = next
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the definition with the given id.
func (c *Catalog) Get(id string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if !ok {
		return nil, false
	}
	return &d, true
}

// List returns all definitions sorted by id.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
