package cli

import (
	"bytes"
	"testing"

	"github.com/specialistvlad/accelgrid/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     *app.Config
		exit     bool
		exitCode int
		errMsg   string
	}{
		{
			name: "positional path with defaults",
			args: []string{"grids/saxpy.hcl"},
			want: &app.Config{GridPath: "grids/saxpy.hcl", LogFormat: "text", LogLevel: "info", Iterations: 1},
		},
		{
			name: "grid flag wins over positional",
			args: []string{"-grid", "a.hcl", "b.hcl"},
			want: &app.Config{GridPath: "a.hcl", LogFormat: "text", LogLevel: "info", Iterations: 1},
		},
		{
			name: "all options",
			args: []string{
				"-g", "grids", "-log-format", "JSON", "-log-level", "debug", "-iterations", "3",
				"-dump", "-emit", "out.agis", "-metrics-port", "9100", "-events-url", "http://localhost:3000",
			},
			want: &app.Config{
				GridPath:    "grids",
				LogFormat:   "json",
				LogLevel:    "debug",
				Iterations:  3,
				Dump:        true,
				EmitPath:    "out.agis",
				MetricsPort: 9100,
				EventsURL:   "http://localhost:3000",
			},
		},
		{name: "help", args: []string{"-h"}, exit: true},
		{name: "no path", args: nil, exit: true},
		{name: "unknown flag", args: []string{"-nope"}, exitCode: 2, errMsg: "flag provided but not defined"},
		{name: "bad format", args: []string{"-log-format", "xml", "g"}, exitCode: 2, errMsg: "invalid log-format"},
		{name: "bad level", args: []string{"-log-level", "trace", "g"}, exitCode: 2, errMsg: "invalid log-level"},
		{name: "bad iterations", args: []string{"-iterations", "0", "g"}, exitCode: 2, errMsg: "invalid iterations"},
		{name: "bad port", args: []string{"-metrics-port", "99999", "g"}, exitCode: 2, errMsg: "out of range"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			cfg, exit, err := Parse(tc.args, out)
			if tc.errMsg != "" {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, tc.exitCode, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exit, exit)
			if tc.exit {
				assert.Contains(t, out.String(), "Usage:")
				return
			}
			assert.Equal(t, tc.want, cfg)
		})
	}
}
