package backend

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

// scriptTemplate is the wrapper every non-session backend submits. It
// composes the optional shell-options prologue, the optional init
// command, the interpreter invocation that loads and runs the job, and
// finally the .exit tag write — unconditionally, so a crashed
// interpreter still leaves a trace the supervisor can classify.
const scriptTemplate = `#!/bin/sh
{{- if .ShellOptions}}
{{.ShellOptions}}
{{- end}}
{{- if .InitCommand}}
{{.InitCommand}}
{{- end}}
{{.Interpreter}} --path-logs {{.PathLogs}} --job {{.Job}}
touch {{.ExitTag}}
`

var scriptTmpl = template.Must(template.New("wrapper").Parse(scriptTemplate))

type scriptParams struct {
	ShellOptions string
	InitCommand  string
	Interpreter  string
	PathLogs     string
	Job          string
	ExitTag      string
}

// WriteScript renders the wrapper script for job under the logs
// directory's tmp/ subdirectory and returns its path.
func WriteScript(opts Options, job string) (string, error) {
	if err := os.MkdirAll(opts.Layout.TmpDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}

	var buf strings.Builder
	err := scriptTmpl.Execute(&buf, scriptParams{
		ShellOptions: opts.ShellOptions,
		InitCommand:  opts.InitCommand,
		Interpreter:  opts.Interpreter,
		PathLogs:     opts.Layout.Root,
		Job:          job,
		ExitTag:      opts.Layout.Exit(job),
	})
	if err != nil {
		return "", fmt.Errorf("rendering wrapper script for %s: %w", job, err)
	}

	path := opts.Layout.Script(job)
	if err := os.WriteFile(path, []byte(buf.String()), 0o755); err != nil {
		return "", fmt.Errorf("writing wrapper script for %s: %w", job, err)
	}
	return path, nil
}

// splitOptions breaks a user-supplied option string on whitespace.
// Quoting is not supported; cluster flags that need it should go in a
// qsub configuration file instead.
func splitOptions(s string) []string {
	return strings.Fields(s)
}
