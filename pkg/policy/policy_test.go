package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juris-labs/caseledger/pkg/workspace"
)

func TestDefaultProfileValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultGraph(t *testing.T) {
	p := Default()

	allowed := [][2]workspace.State{
		{workspace.StateReceived, workspace.StateClassified},
		{workspace.StateClassified, workspace.StateAnalyzing},
		{workspace.StateAnalyzing, workspace.StateAwaitingValidation},
		{workspace.StateAwaitingValidation, workspace.StateValidated},
		{workspace.StateValidated, workspace.StateActionProposed},
		{workspace.StateActionProposed, workspace.StateClosed},
	}
	for _, edge := range allowed {
		assert.True(t, p.Allowed(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]workspace.State{
		{workspace.StateReceived, workspace.StateClosed},
		{workspace.StateReceived, workspace.StateAnalyzing},
		{workspace.StateClassified, workspace.StateReceived},
		{workspace.StateClosed, workspace.StateReceived},
		{workspace.StateClosed, workspace.StateClassified},
	}
	for _, edge := range denied {
		assert.False(t, p.Allowed(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestDefaultWeightsOrdered(t *testing.T) {
	p := Default()
	low, err := p.Weight(workspace.ImportanceLow)
	require.NoError(t, err)
	med, err := p.Weight(workspace.ImportanceMedium)
	require.NoError(t, err)
	high, err := p.Weight(workspace.ImportanceHigh)
	require.NoError(t, err)
	crit, err := p.Weight(workspace.ImportanceCritical)
	require.NoError(t, err)

	assert.Less(t, low, med)
	assert.Less(t, med, high)
	assert.Less(t, high, crit)

	_, err = p.Weight(workspace.Importance("SHRUG"))
	assert.Error(t, err)
}

func TestAdjusterDefaultExpr(t *testing.T) {
	adj, err := Default().Compile()
	require.NoError(t, err)

	next, err := adj.Adjust(1.0, 0.20, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, next, 1e-9)

	next, err = adj.Adjust(0.80, 0.35, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, next, 1e-9, "flag clamps at 1.0")

	next, err = adj.Adjust(0.05, 0.20, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, next, 1e-9, "resolve clamps at 0.0")
}

func TestAdjusterRejectsWrongDirection(t *testing.T) {
	p := Default()
	p.AdjustExpr = `resolved ? current + weight : current` // raises on resolve
	adj, err := p.Compile()
	require.NoError(t, err)

	_, err = adj.Adjust(0.5, 0.1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raised uncertainty on resolve")

	p.AdjustExpr = `resolved ? current : current - weight` // lowers on flag
	adj, err = p.Compile()
	require.NoError(t, err)
	_, err = adj.Adjust(0.5, 0.1, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lowered uncertainty on flag")
}

func TestAdjusterRejectsOutOfBounds(t *testing.T) {
	p := Default()
	p.AdjustExpr = `current + weight * 10.0`
	adj, err := p.Compile()
	require.NoError(t, err)

	_, err = adj.Adjust(0.9, 0.35, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0,1]")
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Profile)
		wantErr string
	}{
		{
			name:    "unknown graph state",
			mutate:  func(p *Profile) { p.Graph["LIMBO"] = nil },
			wantErr: "unknown state",
		},
		{
			name: "unknown graph target",
			mutate: func(p *Profile) {
				p.Graph[string(workspace.StateReceived)] = []string{"LIMBO"}
			},
			wantErr: "unknown state",
		},
		{
			name:    "unknown importance",
			mutate:  func(p *Profile) { p.Weights["EXTREME"] = 0.5 },
			wantErr: "unknown importance",
		},
		{
			name:    "weight out of range",
			mutate:  func(p *Profile) { p.Weights[string(workspace.ImportanceLow)] = 1.5 },
			wantErr: "want (0,1]",
		},
		{
			name:    "missing importance",
			mutate:  func(p *Profile) { delete(p.Weights, string(workspace.ImportanceCritical)) },
			wantErr: "missing importance",
		},
		{
			name:    "nondeterministic expression",
			mutate:  func(p *Profile) { p.AdjustExpr = `now() > timestamp("2020-01-01T00:00:00Z") ? 0.1 : 0.2` },
			wantErr: "nondeterministic",
		},
		{
			name:    "uncompilable expression",
			mutate:  func(p *Profile) { p.AdjustExpr = `current +` },
			wantErr: "compile adjust_expr",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadPartialProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := `
weights:
  LOW: 0.02
  MEDIUM: 0.08
  HIGH: 0.15
  CRITICAL: 0.40
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	w, err := p.Weight(workspace.ImportanceCritical)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, w, 1e-9)

	// Graph and expression fall back to defaults.
	assert.True(t, p.Allowed(workspace.StateReceived, workspace.StateClassified))
	assert.Equal(t, DefaultAdjustExpr, p.AdjustExpr)
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := `
graph:
  RECEIVED: [NOWHERE]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
