// Package domainjoin drives a Windows guest into and out of an Active
// Directory domain over a guest.Communicator.
//
// A run is strictly sequential: platform guard, capability probe,
// membership check, credential resolution, script upload and execution,
// restart request, artifact removal. Nothing is retried; every failure is
// reported once and the run ends.
package domainjoin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/osiriscare/domainjoin/internal/credentials"
	"github.com/osiriscare/domainjoin/internal/guest"
	"github.com/osiriscare/domainjoin/internal/script"
	"github.com/osiriscare/domainjoin/internal/ui"
)

// Privileged commands that must exist on the guest.
const (
	JoinBinary  = "Add-Computer"
	LeaveBinary = "Remove-Computer"
)

// Request is the join or leave being carried out.
type Request struct {
	Domain           string
	ComputerName     string
	OUPath           string
	DomainController string
	Credentials      credentials.Credentials
}

// Close scrubs the password held for the run.
func (r *Request) Close() {
	r.Credentials.Zero()
}

// CapabilityCheck is the outcome of probing one binary.
type CapabilityCheck struct {
	Binary  string
	Present bool
}

// Locator finds a domain controller to pin the join to.
type Locator interface {
	Locate(ctx context.Context, domain string) (string, error)
}

// Recorder receives state transitions.
type Recorder interface {
	Record(step, detail string) error
}

// DSCOptions configure ApplyConfiguration. Paths are local except
// GuestRoot.
type DSCOptions struct {
	ModulePaths       []string
	ManifestsPath     string
	ConfigurationFile string // relative to ManifestsPath
	ConfigurationName string
	GuestRoot         string
}

// Options tune a Provisioner. The zero value joins without restarting.
type Options struct {
	Restart            bool
	RestartDelay       int // seconds
	DiscoverController bool
	GuestScriptPath    string
	StagingDir         string
	DSC                DSCOptions

	Sequence script.Sequence
	Locator  Locator
	Recorder Recorder
}

// DefaultDSCGuestRoot is where DSC runs stage modules and manifests.
const DefaultDSCGuestRoot = "c:/tmp/domainjoin-dsc"

// Provisioner runs the join and leave flows against one guest.
type Provisioner struct {
	comm     guest.Communicator
	ui       ui.UI
	req      *Request
	resolver *credentials.Resolver
	mat      *script.Materializer
	opts     Options

	state   State
	history []State
	checks  []CapabilityCheck
}

// New returns a provisioner for req. The request is borrowed and its
// credentials are filled in place when prompted for.
func New(comm guest.Communicator, u ui.UI, req *Request, opts Options) *Provisioner {
	if opts.Sequence == nil {
		opts.Sequence = script.NewCounter()
	}
	if opts.DSC.GuestRoot == "" {
		opts.DSC.GuestRoot = DefaultDSCGuestRoot
	}
	return &Provisioner{
		comm:     comm,
		ui:       u,
		req:      req,
		resolver: credentials.NewResolver(u),
		mat:      script.NewMaterializer(comm, opts.GuestScriptPath, opts.StagingDir),
		opts:     opts,
		state:    Idle,
	}
}

// State returns the current state.
func (p *Provisioner) State() State { return p.state }

// History returns every state entered so far, in order.
func (p *Provisioner) History() []State {
	return append([]State(nil), p.history...)
}

// Reached reports whether s was entered during this run.
func (p *Provisioner) Reached(s State) bool {
	for _, h := range p.history {
		if h == s {
			return true
		}
	}
	return false
}

// Capabilities returns the probe results from the last Configure.
func (p *Provisioner) Capabilities() []CapabilityCheck {
	return append([]CapabilityCheck(nil), p.checks...)
}

// Configure checks the guest can be joined at all: platform first, then
// both privileged commands. Any error is fatal for the run.
func (p *Provisioner) Configure(ctx context.Context) error {
	if err := p.verifyPlatform(); err != nil {
		return err
	}
	if err := p.probeCapabilities(ctx); err != nil {
		return err
	}
	p.transition(ConfigureChecked, "")
	return nil
}

func (p *Provisioner) verifyPlatform() error {
	if kind := p.comm.Kind(); kind != guest.WinRM {
		log.Printf("[domainjoin] Refusing %s communicator", kind)
		return &UnsupportedPlatformError{Kind: string(kind)}
	}
	return nil
}

// probeCapabilities checks both binaries and reports every one missing.
func (p *Provisioner) probeCapabilities(ctx context.Context) error {
	p.checks = p.checks[:0]
	var errs []error
	for _, bin := range []string{JoinBinary, LeaveBinary} {
		opts := guest.ExecOptions{
			ErrorKey: guest.ErrBinaryNotDetected,
			Binary:   bin,
			Domain:   p.req.Domain,
		}
		err := p.comm.Sudo(ctx, "which "+bin, opts, nil)
		p.checks = append(p.checks, CapabilityCheck{Binary: bin, Present: err == nil})
		if err != nil {
			errs = append(errs, &BinaryNotDetectedError{Binary: bin, Domain: p.req.Domain, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Membership asks the guest which domain it belongs to. The answer is
// never cached.
func (p *Provisioner) Membership(ctx context.Context) (MembershipInfo, error) {
	if err := p.verifyPlatform(); err != nil {
		return MembershipInfo{State: MembershipUnknown}, err
	}
	var lines []string
	err := p.comm.Shell(ctx, script.MembershipQuery, func(kind guest.StreamKind, line string) {
		if kind == guest.Stdout {
			lines = append(lines, line)
		}
	})
	if err != nil {
		return MembershipInfo{State: MembershipUnknown}, fmt.Errorf("query domain membership: %w", err)
	}
	return parseMembership(lines, p.req.Domain), nil
}

// SetCredentials prompts for whatever the request is missing. It is a
// no-op for unsecure joins and once credentials are complete.
func (p *Provisioner) SetCredentials() error {
	return p.resolver.Resolve(&p.req.Credentials)
}

// Provision joins the guest unless it already belongs to the domain.
// A failed join is reported to the operator and returned as a
// *JoinExecutionFailedError; no restart is requested in that case.
func (p *Provisioner) Provision(ctx context.Context) error {
	if err := p.verifyPlatform(); err != nil {
		return err
	}
	info, err := p.Membership(ctx)
	if err != nil {
		log.Printf("[domainjoin] Membership unknown, attempting join: %v", err)
	}
	if info.State == MembershipJoined {
		p.ui.Say(fmt.Sprintf("Guest %s is already joined to %s", info.ComputerName, info.Domain))
		p.transition(Done, "already joined")
		return nil
	}
	if info.PartOfDomain {
		log.Printf("[domainjoin] Guest currently belongs to %s", info.Domain)
	}

	if err := p.SetCredentials(); err != nil {
		return err
	}
	server := p.controller(ctx)

	body, err := script.RenderJoin(p.scriptOptions(server))
	if err != nil {
		return err
	}

	p.transition(Joining, p.req.Domain)
	p.ui.Say(fmt.Sprintf("Joining guest to domain %s", p.req.Domain))

	defer p.releaseArtifact(ctx)
	if _, err := p.mat.Write(ctx, body); err != nil {
		p.transition(JoinFailed, "upload")
		return fmt.Errorf("join domain %s: %w", p.req.Domain, err)
	}

	stderr, err := p.runScript(ctx)
	if err != nil {
		p.transition(JoinFailed, "execute")
		joinErr := &JoinExecutionFailedError{Domain: p.req.Domain, Output: stderr, Err: err}
		p.ui.Info(joinErr.Error(), ui.Style{Color: ui.ColorRed, NewLine: true, Prefix: true})
		return joinErr
	}

	p.transition(Joined, p.req.Domain)
	if p.opts.Restart {
		p.requestRestart(ctx)
	}
	p.transition(Done, "")
	return nil
}

// Cleanup removes the guest from the domain. It always uploads and runs
// the leave script, without checking membership first. A failed leave is
// reported and leaves the provisioner in LeaveFailed but is not returned.
// A non-Windows guest is refused before anything is uploaded.
func (p *Provisioner) Cleanup(ctx context.Context) error {
	if err := p.verifyPlatform(); err != nil {
		return err
	}
	p.transition(LeaveRequested, p.req.Domain)

	if err := p.SetCredentials(); err != nil {
		return err
	}
	body, err := script.RenderLeave(p.scriptOptions(""))
	if err != nil {
		return err
	}

	defer func() {
		p.releaseArtifact(ctx)
		p.transition(ArtifactsCleaned, "")
		p.transition(Done, "")
	}()

	if _, err := p.mat.Write(ctx, body); err != nil {
		p.reportLeaveFailure("upload", "", fmt.Errorf("upload leave script: %w", err))
		return nil
	}

	stderr, err := p.runScript(ctx)
	if err != nil {
		p.reportLeaveFailure("execute", stderr, err)
		return nil
	}

	p.transition(LeftDomain, p.req.Domain)
	p.ui.Info(fmt.Sprintf("Guest removed from domain %s", p.req.Domain),
		ui.Style{Color: ui.ColorGreen, NewLine: true, Prefix: true})
	return nil
}

func (p *Provisioner) reportLeaveFailure(stage, output string, err error) {
	p.transition(LeaveFailed, stage)
	leaveErr := &LeaveExecutionFailedError{Domain: p.req.Domain, Output: output, Err: err}
	p.ui.Info(leaveErr.Error(), ui.Style{Color: ui.ColorRed, NewLine: true, Prefix: true})
	log.Printf("[domainjoin] Leave failed during %s: %v", stage, err)
}

// ApplyConfiguration uploads the DSC modules and manifests and runs the
// configuration. It does nothing when no configuration file is set.
func (p *Provisioner) ApplyConfiguration(ctx context.Context) error {
	dsc := p.opts.DSC
	if dsc.ConfigurationFile == "" {
		log.Printf("[domainjoin] No configuration file set, skipping DSC run")
		return nil
	}
	if err := p.verifyPlatform(); err != nil {
		return err
	}

	root := script.DSCRoot(dsc.GuestRoot, p.opts.Sequence)
	var modules []string
	for i, local := range dsc.ModulePaths {
		dest := script.DSCModulePath(root, i)
		if _, err := p.mat.UploadTree(ctx, local, dest); err != nil {
			return fmt.Errorf("upload module path %s: %w", local, err)
		}
		modules = append(modules, dest)
	}
	if dsc.ManifestsPath != "" {
		if _, err := p.mat.UploadTree(ctx, dsc.ManifestsPath, root); err != nil {
			return fmt.Errorf("upload manifests: %w", err)
		}
	}

	body, err := script.RenderDSCRunner(script.DSCOptions{
		Root:              root,
		ModulePaths:       modules,
		ConfigurationFile: path.Clean(strings.ReplaceAll(dsc.ConfigurationFile, `\`, "/")),
		ConfigurationName: dsc.ConfigurationName,
	})
	if err != nil {
		return err
	}

	p.ui.Say(fmt.Sprintf("Running DSC configuration %s", dsc.ConfigurationFile))
	defer p.releaseArtifact(ctx)
	if _, err := p.mat.Write(ctx, body); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}
	if _, err := p.runScript(ctx); err != nil {
		return fmt.Errorf("apply configuration %s: %w", dsc.ConfigurationFile, err)
	}
	return nil
}

// RemoveCommandRunnerScript deletes the runner script from the guest.
func (p *Provisioner) RemoveCommandRunnerScript(ctx context.Context) error {
	return p.mat.Remove(ctx)
}

// releaseArtifact removes the runner script. Failures are logged only so
// they never replace the result of the step that uploaded it.
func (p *Provisioner) releaseArtifact(ctx context.Context) {
	if err := p.RemoveCommandRunnerScript(ctx); err != nil {
		log.Printf("[domainjoin] WARNING: failed to remove %s: %v", p.mat.GuestPath(), err)
	}
}

// runScript executes the uploaded script, echoing stdout in green and
// stderr in red as lines arrive, and returns the captured stderr.
func (p *Provisioner) runScript(ctx context.Context) (string, error) {
	var stderr strings.Builder
	err := p.mat.Execute(ctx, func(kind guest.StreamKind, line string) {
		style := ui.Style{Color: ui.ColorGreen}
		if kind == guest.Stderr {
			style.Color = ui.ColorRed
			stderr.WriteString(line)
			stderr.WriteByte('\n')
		}
		p.ui.Info(line+"\n", style)
	})
	return stderr.String(), err
}

// requestRestart schedules a reboot and returns without waiting for it.
func (p *Provisioner) requestRestart(ctx context.Context) {
	p.transition(Restarting, fmt.Sprintf("delay=%ds", p.opts.RestartDelay))
	p.ui.Say("Restarting guest to complete domain join")
	opts := guest.ExecOptions{Elevated: true, Shell: guest.ShellCmd}
	if err := p.comm.Sudo(ctx, script.RestartCommand(p.opts.RestartDelay), opts, nil); err != nil {
		log.Printf("[domainjoin] WARNING: restart request failed: %v", err)
		p.ui.Info("Restart request failed; restart the guest manually to finish the join",
			ui.Style{Color: ui.ColorYellow, NewLine: true, Prefix: true})
	}
}

// controller returns the domain controller to pin the join to, if any.
// Discovery failures fall back to letting the guest pick.
func (p *Provisioner) controller(ctx context.Context) string {
	if p.req.DomainController != "" {
		return p.req.DomainController
	}
	if !p.opts.DiscoverController || p.opts.Locator == nil {
		return ""
	}
	dc, err := p.opts.Locator.Locate(ctx, p.req.Domain)
	if err != nil {
		log.Printf("[domainjoin] Domain controller discovery failed: %v", err)
		return ""
	}
	log.Printf("[domainjoin] Using domain controller %s", dc)
	return dc
}

func (p *Provisioner) scriptOptions(server string) script.JoinOptions {
	c := p.req.Credentials
	opts := script.JoinOptions{
		Domain:       p.req.Domain,
		Unsecure:     c.Unsecure,
		ComputerName: p.req.ComputerName,
		OUPath:       p.req.OUPath,
		Server:       server,
	}
	if !c.Unsecure {
		if c.Username != nil {
			opts.Username = *c.Username
		}
		opts.Password = c.Password.Reveal()
	}
	return opts
}

func (p *Provisioner) transition(s State, detail string) {
	p.state = s
	p.history = append(p.history, s)
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.Record(s.String(), detail); err != nil {
		log.Printf("[domainjoin] Journal write failed: %v", err)
	}
}
