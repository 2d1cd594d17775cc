package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with fresh flag values. Flags are package
// globals, so values from a previous run would otherwise leak in.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// writeTestConfig writes a config file rooted in a temp directory and
// returns its path and the data directory
func writeTestConfig(t *testing.T, overrides map[string]interface{}) (string, string) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dataDir := filepath.Join(home, "proxyd")
	doc := map[string]interface{}{
		"data_dir": dataDir,
		"api":      map[string]interface{}{"enabled": false},
		"logging":  map[string]interface{}{"level": "error"},
	}
	for k, v := range overrides {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(home, "proxyd.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, dataDir
}
