package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
)

// writeTransactions writes a labelled CSV where large night-time amounts are fraud.
func writeTransactions(t *testing.T, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("amount,hour,label\n")
	for i := 0; i < n; i++ {
		amount := rng.Float64() * 1000
		hour := float64(rng.Intn(24))
		label := 0
		if amount > 700 && hour < 6 {
			label = 1
		}
		fmt.Fprintf(&b, "%.2f,%.0f,%d\n", amount, hour, label)
	}
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestFitCommandWritesScores(t *testing.T) {
	train := writeTransactions(t, 400)
	out := filepath.Join(t.TempDir(), "scores.csv")

	cmd := cliParser()
	cmd.SetArgs([]string{"fit", "-i", train, "-o", out, "-n", "20", "--min-precision", "0.6", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 401)
	assert.Equal(t, "index,score,matched_rules,is_anomaly,label", lines[0])
}

func TestScoreCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  scoreCmdConfig
		wantErr bool
	}{
		{"csv input", scoreCmdConfig{trainInput: "a.csv", dataInput: "b.csv"}, false},
		{"pcap input", scoreCmdConfig{trainInput: "a.csv", pcapInput: "b.pcap"}, false},
		{"missing train", scoreCmdConfig{dataInput: "b.csv"}, true},
		{"no input", scoreCmdConfig{trainInput: "a.csv"}, true},
		{"both inputs", scoreCmdConfig{trainInput: "a.csv", dataInput: "b.csv", pcapInput: "c.pcap"}, true},
		{"negative limit", scoreCmdConfig{trainInput: "a.csv", dataInput: "b.csv", limit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScoreCommandStreamsCSV(t *testing.T) {
	train := writeTransactions(t, 400)
	dir := t.TempDir()
	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte("amount,hour\n950,2\n10,14\n800,3\n"), 0o600))
	out := filepath.Join(dir, "scores.csv")

	cmd := cliParser()
	cmd.SetArgs([]string{"score", "-t", train, "-i", input, "-n", "20", "--log-level", "error", "-o", out})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.True(t, strings.HasPrefix(lines[3], "2,"))
}

func TestScoreCommandKeepsSourceIndex(t *testing.T) {
	train := writeTransactions(t, 400)
	dir := t.TempDir()
	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte("amount,hour\n950,2\nbad,1\n800,3\n"), 0o600))
	out := filepath.Join(dir, "scores.csv")

	cmd := cliParser()
	cmd.SetArgs([]string{"score", "-t", train, "-i", input, "-n", "20", "--log-level", "error", "-o", out})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.True(t, strings.HasPrefix(lines[2], "2,"), "the malformed row keeps its slot in the numbering")
}

func TestFitCommandSamplingFlags(t *testing.T) {
	train := writeTransactions(t, 300)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "row count above training rows", args: []string{"--max-samples", "5000"}},
		{name: "sqrt features per split", args: []string{"--max-features", "auto", "--bootstrap-features"}},
		{name: "bad max features", args: []string{"--max-features", "foobar"}, wantErr: true},
		{name: "negative max samples", args: []string{"--max-samples", "-1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"fit", "-i", train, "-o", filepath.Join(t.TempDir(), "out.csv"), "-n", "5", "--log-level", "error"}, tt.args...)
			cmd := cliParser()
			cmd.SetArgs(args)
			err := cmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScoreCommandRejectsSchemaMismatch(t *testing.T) {
	train := writeTransactions(t, 200)

	cmd := cliParser()
	// scoring input still carries the label column
	cmd.SetArgs([]string{"score", "-t", train, "-i", train, "--log-level", "error", "-o", filepath.Join(t.TempDir(), "out.csv")})
	assert.ErrorContains(t, cmd.Execute(), "do not match")
}

func TestCrosscheckCommandInMemory(t *testing.T) {
	train := writeTransactions(t, 300)

	cmd := cliParser()
	cmd.SetArgs([]string{"crosscheck", "-t", train, "-n", "15", "--top", "3", "--log-level", "error"})
	assert.NoError(t, cmd.Execute())
}

func TestCrosscheckCommandRequiresTrain(t *testing.T) {
	cmd := cliParser()
	cmd.SetArgs([]string{"crosscheck"})
	assert.ErrorContains(t, cmd.Execute(), "train")
}

func TestPrintRules(t *testing.T) {
	var buf bytes.Buffer
	printRules(&buf, rules.RuleSet{}, nil, 0, false)
	assert.Contains(t, buf.String(), "no rule")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := cliParser()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "fraudrules v0.1.0\n", buf.String())
}
