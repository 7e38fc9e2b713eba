// Package gate evaluates phase-transition gates: artifact existence,
// command exit codes, CEL expressions, and boolean compositions of those.
//
// Two hard constraints shape this package. Command gates execute argv
// directly, never through a shell, so there is no metacharacter injection
// surface. Artifact gates canonicalize every path and refuse anything that
// escapes the task's artifact root, whether via ".." or via a symlink.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/warden/pkg/workflow"
)

// DefaultCommandTimeout bounds command gates that do not declare their own.
const DefaultCommandTimeout = 30 * time.Second

var ErrInvalidSpec = errors.New("invalid gate spec")

// ArtifactCheck records one artifact evaluation inside a Result.
type ArtifactCheck struct {
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	Satisfied bool   `json:"satisfied"`
}

// Result is the outcome of one gate evaluation. Ephemeral; persisted only
// inside the audit record of the attempt.
type Result struct {
	Passed     bool            `json:"passed"`
	Violations []string        `json:"violations,omitempty"`
	Evaluated  []ArtifactCheck `json:"evaluated_artifacts,omitempty"`
}

func merge(into *Result, from Result) {
	into.Violations = append(into.Violations, from.Violations...)
	into.Evaluated = append(into.Evaluated, from.Evaluated...)
}

// Context carries the inputs a gate may inspect.
type Context struct {
	TaskID string
	Phase  string
	// Artifacts are the artifact names the caller supplied with the
	// transition request, exposed to expression gates.
	Artifacts []string
}

// Engine evaluates gate specs against a sandboxed artifact root.
type Engine struct {
	root           string
	defaultTimeout time.Duration
	env            *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommandTimeout overrides the default command gate timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// NewEngine creates a gate engine rooted at the artifact sandbox dir. The
// root is resolved up front so later containment checks compare against its
// canonical form.
func NewEngine(root string, opts ...Option) (*Engine, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	env, err := cel.NewEnv(
		cel.Variable("artifacts", cel.ListType(cel.StringType)),
		cel.Variable("phase", cel.StringType),
		cel.Variable("task", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("build expression env: %w", err)
	}
	e := &Engine{
		root:           resolved,
		defaultTimeout: DefaultCommandTimeout,
		env:            env,
		programs:       make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the canonical artifact root.
func (e *Engine) Root() string {
	return e.root
}

// CompileDefinition precompiles every expression gate in the definition so
// a malformed or non-boolean expression fails at session start, not
// mid-workflow.
func (e *Engine) CompileDefinition(def *workflow.Definition) error {
	for i := range def.Phases {
		p := &def.Phases[i]
		if p.Gate == nil {
			continue
		}
		if err := e.compileSpec(p.Gate); err != nil {
			return fmt.Errorf("phase %q: %w", p.ID, err)
		}
	}
	return nil
}

func (e *Engine) compileSpec(spec *workflow.GateSpec) error {
	switch spec.Kind {
	case workflow.GateExpression:
		_, err := e.program(spec.Expression)
		return err
	case workflow.GateComposite:
		for i := range spec.Gates {
			if err := e.compileSpec(&spec.Gates[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile expression: %v", ErrInvalidSpec, issues.Err())
	}
	if ast.OutputType().String() != cel.BoolType.String() {
		return nil, fmt.Errorf("%w: expression must produce bool, got %s", ErrInvalidSpec, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: build expression program: %v", ErrInvalidSpec, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Evaluate runs one gate spec. Deterministic for identical artifact state;
// the only side effect is the command execution a command gate explicitly
// requests.
func (e *Engine) Evaluate(ctx context.Context, spec *workflow.GateSpec, ectx Context) Result {
	switch spec.Kind {
	case workflow.GateArtifact:
		return e.evaluateArtifact(spec)
	case workflow.GateCommand:
		return e.evaluateCommand(ctx, spec)
	case workflow.GateComposite:
		return e.evaluateComposite(ctx, spec, ectx)
	case workflow.GateExpression:
		return e.evaluateExpression(spec, ectx)
	}
	return Result{Violations: []string{fmt.Sprintf("unknown gate kind %q", spec.Kind)}}
}

// EvaluateRequirements checks a phase's required artifacts. Each missing
// artifact yields the violation "missing artifact: <path>".
func (e *Engine) EvaluateRequirements(reqs []workflow.ArtifactRequirement) Result {
	result := Result{Passed: true}
	for _, req := range reqs {
		mode := req.Mode
		if mode == "" {
			mode = workflow.ArtifactMustExist
		}
		sub := e.evaluateArtifact(&workflow.GateSpec{
			Kind: workflow.GateArtifact,
			Path: req.Path,
			Mode: mode,
		})
		merge(&result, sub)
		if !sub.Passed {
			result.Passed = false
		}
	}
	return result
}

func (e *Engine) evaluateArtifact(spec *workflow.GateSpec) Result {
	mode := spec.Mode
	if mode == "" {
		mode = workflow.ArtifactMustExist
	}

	matches, err := e.matchArtifacts(spec.Path)
	if err != nil {
		return Result{Violations: []string{err.Error()}}
	}

	exists := len(matches) > 0
	satisfied := exists == (mode == workflow.ArtifactMustExist)

	result := Result{Passed: satisfied}
	if exists {
		for _, m := range matches {
			result.Evaluated = append(result.Evaluated, ArtifactCheck{Path: m, Exists: true, Satisfied: satisfied})
		}
	} else {
		result.Evaluated = append(result.Evaluated, ArtifactCheck{Path: spec.Path, Exists: false, Satisfied: satisfied})
	}
	if !satisfied {
		if mode == workflow.ArtifactMustExist {
			result.Violations = append(result.Violations, "missing artifact: "+spec.Path)
		} else {
			result.Violations = append(result.Violations, "forbidden artifact present: "+spec.Path)
		}
	}
	return result
}

// matchArtifacts resolves an artifact pattern inside the sandbox root. The
// pattern is rejected outright if it is absolute or contains a ".."
// segment; every match is then canonicalized and checked for containment so
// a symlink pointing outside the root cannot satisfy a gate.
func (e *Engine) matchArtifacts(pattern string) ([]string, error) {
	if err := checkPattern(pattern); err != nil {
		return nil, err
	}

	var candidates []string
	if strings.ContainsAny(pattern, "*?[{") {
		matches, err := doublestar.Glob(os.DirFS(e.root), filepath.ToSlash(pattern))
		if err != nil {
			return nil, fmt.Errorf("artifact pattern %q: %w", pattern, err)
		}
		candidates = matches
	} else {
		if _, err := os.Lstat(filepath.Join(e.root, pattern)); err == nil {
			candidates = []string{pattern}
		}
	}

	matches := make([]string, 0, len(candidates))
	for _, rel := range candidates {
		if err := e.checkContainment(rel); err != nil {
			return nil, err
		}
		matches = append(matches, rel)
	}
	sort.Strings(matches)
	return matches, nil
}

func checkPattern(pattern string) error {
	if filepath.IsAbs(pattern) {
		return fmt.Errorf("artifact path escapes sandbox: absolute path %q", pattern)
	}
	for _, seg := range strings.Split(filepath.ToSlash(pattern), "/") {
		if seg == ".." {
			return fmt.Errorf("artifact path escapes sandbox: %q", pattern)
		}
	}
	return nil
}

func (e *Engine) checkContainment(rel string) error {
	resolved, err := filepath.EvalSymlinks(filepath.Join(e.root, rel))
	if err != nil {
		return fmt.Errorf("resolve artifact %q: %w", rel, err)
	}
	if resolved != e.root && !strings.HasPrefix(resolved, e.root+string(filepath.Separator)) {
		return fmt.Errorf("artifact path escapes sandbox: %q resolves outside artifact root", rel)
	}
	return nil
}

func (e *Engine) evaluateCommand(ctx context.Context, spec *workflow.GateSpec) Result {
	timeout := e.defaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Argv exec only. The command runs in the artifact root with a
	// scrubbed environment.
	cmd := exec.CommandContext(cctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = e.root
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + e.root}

	err := cmd.Run()

	// Timeout is never a pass, and is distinguishable from a plain
	// nonzero exit.
	if cctx.Err() == context.DeadlineExceeded {
		return Result{Violations: []string{fmt.Sprintf("command timeout: %s after %s", strings.Join(spec.Command, " "), timeout)}}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Violations: []string{fmt.Sprintf("command failed to start: %s: %v", spec.Command[0], err)}}
		}
	}

	if exitCode != spec.ExpectedExit {
		return Result{Violations: []string{fmt.Sprintf("command %q exited %d, expected %d", strings.Join(spec.Command, " "), exitCode, spec.ExpectedExit)}}
	}
	return Result{Passed: true}
}

func (e *Engine) evaluateComposite(ctx context.Context, spec *workflow.GateSpec, ectx Context) Result {
	result := Result{}
	passedAny := false
	passedAll := true
	for i := range spec.Gates {
		sub := e.Evaluate(ctx, &spec.Gates[i], ectx)
		merge(&result, sub)
		if sub.Passed {
			passedAny = true
		} else {
			passedAll = false
		}
	}
	switch spec.Op {
	case workflow.CompositeAnyOf:
		result.Passed = passedAny
	default:
		result.Passed = passedAll
	}
	if result.Passed {
		result.Violations = nil
	}
	return result
}

func (e *Engine) evaluateExpression(spec *workflow.GateSpec, ectx Context) Result {
	prg, err := e.program(spec.Expression)
	if err != nil {
		return Result{Violations: []string{err.Error()}}
	}

	artifacts := append([]string(nil), ectx.Artifacts...)
	sort.Strings(artifacts)
	out, _, err := prg.Eval(map[string]any{
		"artifacts": artifacts,
		"phase":     ectx.Phase,
		"task":      ectx.TaskID,
	})
	if err != nil {
		return Result{Violations: []string{fmt.Sprintf("expression %q: %v", spec.Expression, err)}}
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return Result{Violations: []string{fmt.Sprintf("expression %q did not produce a bool", spec.Expression)}}
	}
	if !passed {
		return Result{Violations: []string{fmt.Sprintf("expression not satisfied: %s", spec.Expression)}}
	}
	return Result{Passed: true}
}
