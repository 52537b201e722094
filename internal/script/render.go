// Package script renders the PowerShell run on the guest and manages the
// uploaded artifact: write through a local staging file, execute elevated,
// and delete it once the owning step is done.
package script

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"sync"
	"text/template"
)

// JoinOptions parameterise the join and leave scripts.
type JoinOptions struct {
	Domain       string
	Username     string
	Password     string
	Unsecure     bool
	ComputerName string
	OUPath       string
	Server       string
}

var funcs = template.FuncMap{"q": psQuote}

var joinTemplate = template.Must(template.New("join").Funcs(funcs).Parse(`$ErrorActionPreference = 'Stop'
{{- if not .Unsecure}}
$secpasswd = ConvertTo-SecureString '{{q .Password}}' -AsPlainText -Force
$credentials = New-Object System.Management.Automation.PSCredential('{{q .Username}}', $secpasswd)
{{- end}}
$params = @{ DomainName = '{{q .Domain}}'; Force = $true; Verbose = $true }
{{- if .Unsecure}}
$params.Unsecure = $true
{{- else}}
$params.Credential = $credentials
{{- end}}
{{- if .ComputerName}}
if ($env:COMPUTERNAME -ne '{{q .ComputerName}}') { $params.NewName = '{{q .ComputerName}}' }
{{- end}}
{{- if .OUPath}}
$params.OUPath = '{{q .OUPath}}'
{{- end}}
{{- if .Server}}
$params.Server = '{{q .Server}}'
{{- end}}
Add-Computer @params
`))

var leaveTemplate = template.Must(template.New("leave").Funcs(funcs).Parse(`$ErrorActionPreference = 'Stop'
{{- if not .Unsecure}}
$secpasswd = ConvertTo-SecureString '{{q .Password}}' -AsPlainText -Force
$credentials = New-Object System.Management.Automation.PSCredential('{{q .Username}}', $secpasswd)
Remove-Computer -UnjoinDomainCredential $credentials -WorkgroupName 'WORKGROUP' -Verbose -Force
{{- else}}
Remove-Computer -WorkgroupName 'WORKGROUP' -Verbose -Force
{{- end}}
`))

// RenderJoin renders the Add-Computer invocation. The result embeds the
// password and must never be logged.
func RenderJoin(opts JoinOptions) (string, error) {
	if opts.Domain == "" {
		return "", fmt.Errorf("render join: domain is required")
	}
	return execute(joinTemplate, opts)
}

// RenderLeave renders the Remove-Computer invocation. The result embeds
// the password and must never be logged.
func RenderLeave(opts JoinOptions) (string, error) {
	return execute(leaveTemplate, opts)
}

// MembershipQuery prints three lines: PartOfDomain, the domain (or
// workgroup) name, and the computer name.
const MembershipQuery = `$cs = Get-WmiObject Win32_ComputerSystem
Write-Output $cs.PartOfDomain
Write-Output $cs.Domain
Write-Output $env:COMPUTERNAME`

// MinRestartDelay is the shortest reboot delay RestartCommand will issue.
// The runner script is removed after the restart is scheduled.
const MinRestartDelay = 5

// RestartCommand schedules a reboot after delay seconds and returns
// immediately.
func RestartCommand(delay int) string {
	if delay < MinRestartDelay {
		delay = MinRestartDelay
	}
	return fmt.Sprintf(`shutdown /r /t %d /c "Restarting to complete domain join" /d p:4:1`, delay)
}

// Sequence hands out increasing numbers per name. Production code uses
// Counter; tests inject fixed sequences so rendered paths are stable.
type Sequence interface {
	Next(name string) int
}

// Counter is a goroutine-safe Sequence starting at 1.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// Next returns the next number for name.
func (c *Counter) Next(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
	return c.counts[name]
}

// DSCOptions describe a configuration-management run. ModulePaths and the
// configuration file are guest paths under Root.
type DSCOptions struct {
	Root              string
	ModulePaths       []string
	ConfigurationFile string
	ConfigurationName string
}

// DSCRoot returns the numbered guest directory a DSC run stages into.
func DSCRoot(base string, seq Sequence) string {
	return fmt.Sprintf("%s-%d", strings.TrimSuffix(base, "/"), seq.Next("dsc"))
}

// DSCModulePath returns the guest directory the i-th module path is
// uploaded to.
func DSCModulePath(root string, i int) string {
	return path.Join(root, fmt.Sprintf("modules-%d", i))
}

var dscTemplate = template.Must(template.New("dsc").Funcs(funcs).Parse(`#
# DSC Runner.
#
# Bootstraps the DSC environment, sets up configuration data
# and runs the DSC Configuration.
#
#
{{- if .ModulePaths}}

# Set the local PowerShell Module environment path
$absoluteModulePaths = [string]::Join(";", ("{{.JoinedModules}}".Split(";") | ForEach-Object { $_ | Resolve-Path }))

echo "Adding to path: $absoluteModulePaths"
$env:PSModulePath="$absoluteModulePaths;${env:PSModulePath}"
("{{.JoinedModules}}".Split(";") | ForEach-Object { gci -Recurse  $_ | ForEach-Object { Unblock-File  $_.FullName} })
{{- end}}

$script = $(Join-Path "{{.Root}}" "{{.ConfigurationFile}}" -Resolve)
echo "PSModulePath Configured: ${env:PSModulePath}"
echo "Running Configuration file: ${script}"

# Generate the MOF file, only if a MOF path not already provided.
# Import the Manifest
. $script

cd "{{.Root}}"
$StagingPath = $(Join-Path "{{.Root}}" "staging")
$response = {{.ConfigurationName}} -OutputPath $StagingPath  4>&1 5>&1 | Out-String

# Start a DSC Configuration run
$response += Start-DscConfiguration -Force -Wait -Verbose -Path $StagingPath 4>&1 5>&1 | Out-String
$response`))

// RenderDSCRunner renders the configuration-management runner.
func RenderDSCRunner(opts DSCOptions) (string, error) {
	if opts.ConfigurationFile == "" {
		return "", fmt.Errorf("render dsc runner: configuration file is required")
	}
	name := opts.ConfigurationName
	if name == "" {
		base := path.Base(strings.ReplaceAll(opts.ConfigurationFile, `\`, "/"))
		name = strings.TrimSuffix(base, path.Ext(base))
	}
	data := struct {
		DSCOptions
		ConfigurationName string
		JoinedModules     string
	}{
		DSCOptions:        opts,
		ConfigurationName: name,
		JoinedModules:     strings.Join(opts.ModulePaths, ";"),
	}
	return execute(dscTemplate, data)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// psQuote escapes a value for a single-quoted PowerShell string.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
