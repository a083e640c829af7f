package prepare

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
)

const (
	WrapperLog        = "__jobscript__.log"
	OutputTarball     = "_output_sandbox.tgz"
	DescriptorName    = "__jdlfile__"
	wrapperNameFormat = "__jobscript_%s__"
)

type wrapperParams struct {
	JobID           string
	Executable      string
	Args            []string
	Remote          []remoteInput
	OutputSandbox   []string
	OutputTarball   string
	WrapperLog      string
	TransferTimeout int
	CompressLogs    bool
}

type remoteInput struct {
	Name string
	Ref  string
}

var wrapperTemplate = template.Must(template.New("wrapper").Parse(`#!/bin/sh
# job wrapper for {{ .JobID }}
exec 3>>{{ .WrapperLog }}
log() { echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) $*" >&3; }

fetch() {
  case "$2" in
    file://*) timeout {{ .TransferTimeout }} cp "${2#file://}" "$1" ;;
    s3://*) timeout {{ .TransferTimeout }} aws s3 cp "$2" "$1" ;;
    *) timeout {{ .TransferTimeout }} lcg-cp --vo "$LCG_VO" "$2" "file://$PWD/$1" ;;
  esac
}

log "job {{ .JobID }} started on $(hostname)"
{{- range .Remote }}
log "fetching {{ .Name }}"
fetch '{{ .Name }}' '{{ .Ref }}' || { log "failed to fetch {{ .Name }}"; exit 410; }
{{- end }}

chmod +x '{{ .Executable }}' 2>/dev/null
'{{ .Executable }}'{{ range .Args }} '{{ . }}'{{ end }} >stdout.app 2>stderr.app
rc=$?
log "application exited with code $rc"
{{- if .CompressLogs }}
gzip -c stdout.app >stdout.gz
gzip -c stderr.app >stderr.gz
{{- else }}
cat stdout.app
cat stderr.app >&2
{{- end }}
{{- if .OutputSandbox }}
tar czf {{ .OutputTarball }}{{ range .OutputSandbox }} '{{ . }}'{{ end }} 2>>{{ .WrapperLog }}
{{- end }}
exit $rc
`))

func writeWrapper(dir string, params wrapperParams) (string, error) {
	var buf bytes.Buffer
	if err := wrapperTemplate.Execute(&buf, params); err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(dir, wrapperName(params.JobID))
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return "", errors.Wrapf(err, "error writing job wrapper %s", path)
	}
	return path, nil
}
