// Package policy holds the declarative knobs of the transition engine: the
// state graph, the uncertainty weights per missing-element importance, and
// the adjustment formula. The source material left graph and weights
// underspecified, so both are data loaded from a YAML profile, with the
// defaults below as the testable baseline.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/juris-labs/caseledger/pkg/workspace"
)

// Profile is the loadable policy document.
type Profile struct {
	// Graph maps each state to its allowed successor states. Pairs not
	// listed here are invalid transitions.
	Graph map[string][]string `yaml:"graph"`

	// Weights maps missing-element importance to its uncertainty
	// contribution in (0,1].
	Weights map[string]float64 `yaml:"weights"`

	// AdjustExpr is a CEL expression computing the new uncertainty level.
	// Variables: current (double), weight (double), resolved (bool).
	// It must be deterministic: clock, randomness, and environment access
	// are rejected at validation time.
	AdjustExpr string `yaml:"adjust_expr"`
}

// DefaultAdjustExpr lowers by weight on resolve, raises by weight on flag,
// clamped to [0,1].
const DefaultAdjustExpr = `resolved ? (current - weight < 0.0 ? 0.0 : current - weight) : (current + weight > 1.0 ? 1.0 : current + weight)`

// Default returns the compiled-in baseline profile: the linear case
// lifecycle and a weight table growing with importance.
func Default() *Profile {
	return &Profile{
		Graph: map[string][]string{
			string(workspace.StateReceived):           {string(workspace.StateClassified)},
			string(workspace.StateClassified):         {string(workspace.StateAnalyzing)},
			string(workspace.StateAnalyzing):          {string(workspace.StateAwaitingValidation)},
			string(workspace.StateAwaitingValidation): {string(workspace.StateValidated)},
			string(workspace.StateValidated):          {string(workspace.StateActionProposed)},
			string(workspace.StateActionProposed):     {string(workspace.StateClosed)},
			string(workspace.StateClosed):             {},
		},
		Weights: map[string]float64{
			string(workspace.ImportanceLow):      0.05,
			string(workspace.ImportanceMedium):   0.10,
			string(workspace.ImportanceHigh):     0.20,
			string(workspace.ImportanceCritical): 0.35,
		},
		AdjustExpr: DefaultAdjustExpr,
	}
}

// Load reads a profile from a YAML file. Omitted sections fall back to the
// defaults, so a profile may override just the weights or just the graph.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse profile %q: %w", path, err)
	}

	defaults := Default()
	if p.Graph == nil {
		p.Graph = defaults.Graph
	}
	if p.Weights == nil {
		p.Weights = defaults.Weights
	}
	if p.AdjustExpr == "" {
		p.AdjustExpr = defaults.AdjustExpr
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: profile %q: %w", path, err)
	}
	return &p, nil
}

// nondeterministicTokens are identifiers banned from AdjustExpr: the same
// inputs must always produce the same uncertainty level.
var nondeterministicTokens = []string{"now(", "timestamp(", "rand", "uuid(", "getenv"}

// Validate checks that the profile references only known states and
// importances, keeps weights in (0,1], and carries a deterministic,
// compilable adjustment expression.
func (p *Profile) Validate() error {
	for from, tos := range p.Graph {
		if !workspace.State(from).Valid() {
			return fmt.Errorf("graph references unknown state %q", from)
		}
		for _, to := range tos {
			if !workspace.State(to).Valid() {
				return fmt.Errorf("graph edge %s -> %q references unknown state", from, to)
			}
		}
	}
	for imp, w := range p.Weights {
		if !workspace.Importance(imp).Valid() {
			return fmt.Errorf("weights reference unknown importance %q", imp)
		}
		if w <= 0 || w > 1 {
			return fmt.Errorf("weight for %s is %v, want (0,1]", imp, w)
		}
	}
	for _, imp := range []workspace.Importance{
		workspace.ImportanceLow, workspace.ImportanceMedium,
		workspace.ImportanceHigh, workspace.ImportanceCritical,
	} {
		if _, ok := p.Weights[string(imp)]; !ok {
			return fmt.Errorf("weights missing importance %s", imp)
		}
	}

	lowered := strings.ToLower(p.AdjustExpr)
	for _, tok := range nondeterministicTokens {
		if strings.Contains(lowered, tok) {
			return fmt.Errorf("adjust_expr uses nondeterministic construct %q", strings.TrimSuffix(tok, "("))
		}
	}
	if _, err := p.Compile(); err != nil {
		return err
	}
	return nil
}

// Allowed reports whether (from, to) is an edge of the declared graph.
func (p *Profile) Allowed(from, to workspace.State) bool {
	for _, t := range p.Graph[string(from)] {
		if workspace.State(t) == to {
			return true
		}
	}
	return false
}

// Weight returns the uncertainty contribution for an importance level.
func (p *Profile) Weight(imp workspace.Importance) (float64, error) {
	w, ok := p.Weights[string(imp)]
	if !ok {
		return 0, fmt.Errorf("policy: no weight for importance %q", imp)
	}
	return w, nil
}

// Adjuster evaluates the compiled uncertainty adjustment expression.
type Adjuster struct {
	prg cel.Program
}

// Compile builds the CEL program for AdjustExpr.
func (p *Profile) Compile() (*Adjuster, error) {
	env, err := cel.NewEnv(
		cel.Variable("current", cel.DoubleType),
		cel.Variable("weight", cel.DoubleType),
		cel.Variable("resolved", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(p.AdjustExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile adjust_expr: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program adjust_expr: %w", err)
	}
	return &Adjuster{prg: prg}, nil
}

// Adjust computes the uncertainty level after resolving (resolved=true) or
// flagging (resolved=false) a missing element of the given weight. The
// result is bounds-checked here as well: a profile expression that drives
// the level outside [0,1] or in the wrong direction is rejected, preventing
// silent confidence inflation.
func (a *Adjuster) Adjust(current, weight float64, resolved bool) (float64, error) {
	out, _, err := a.prg.Eval(map[string]any{
		"current":  current,
		"weight":   weight,
		"resolved": resolved,
	})
	if err != nil {
		return 0, fmt.Errorf("policy: eval adjust_expr: %w", err)
	}
	next, ok := out.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("policy: adjust_expr returned %T, want double", out.Value())
	}

	if next < 0 || next > 1 {
		return 0, fmt.Errorf("policy: adjust_expr produced %v, outside [0,1]", next)
	}
	if resolved && next > current {
		return 0, fmt.Errorf("policy: adjust_expr raised uncertainty on resolve (%v -> %v)", current, next)
	}
	if !resolved && next < current {
		return 0, fmt.Errorf("policy: adjust_expr lowered uncertainty on flag (%v -> %v)", current, next)
	}
	return next, nil
}
