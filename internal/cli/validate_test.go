package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTopology = `
node: node-a
groups:
  - name: orders
    ordering: multi-bucket
    buckets: 4
    reliability: sync
    targets:
      - name: r1
        endpoint: http://127.0.0.1:7501
      - name: r2
        endpoint: http://127.0.0.1:7502
  - name: audit
    reliability: async
    retention_limit: 64
    targets:
      - name: archive
        endpoint: http://127.0.0.1:7503
    conflicts:
      entry-already-exists: escalate
`

func runValidateCmd(t *testing.T, format string, path string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateTopology(t *testing.T) {
	out, err := runValidateCmd(t, "text", writeTopology(t, validTopology))
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Topology valid: node node-a, 2 group(s)")
	assert.Contains(t, out, "orders  multi-bucket/4  sync  -> r1, r2")
	assert.Contains(t, out, "audit  global/1  async  -> archive")
}

func TestValidateTopologyJSON(t *testing.T) {
	out, err := runValidateCmd(t, "json", writeTopology(t, validTopology))
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Groups, 2)
	assert.Equal(t, GroupSummary{
		Name:        "audit",
		Ordering:    "global",
		Lanes:       1,
		Reliability: "async",
		Targets:     []string{"archive"},
		Retention:   64,
	}, resp.Data.Groups[1])
}

func TestValidateInvalidTopology(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "duplicate_group",
			content: `
node: n1
groups:
  - name: g
    targets: [{name: r1}]
  - name: g
    targets: [{name: r2}]
`,
			want: "duplicate group",
		},
		{
			name: "unknown_conflict_cause",
			content: `
node: n1
groups:
  - name: g
    targets: [{name: r1}]
    conflicts:
      lost-update: skip
`,
			want: "group g",
		},
		{
			name:    "schema_violation",
			content: "node: n1\ngroups:\n  - name: g\n    ordering: random\n    targets: []\n",
			want:    "Error [E_TOPOLOGY]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runValidateCmd(t, "text", writeTopology(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	out, err := runValidateCmd(t, "json", "/nonexistent/topology.yaml")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeTopology, resp.Error.Code)
}
