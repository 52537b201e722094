package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/osiriscare/domainjoin/internal/config"
	"github.com/osiriscare/domainjoin/internal/credentials"
	"github.com/osiriscare/domainjoin/internal/discovery"
	"github.com/osiriscare/domainjoin/internal/domainjoin"
	"github.com/osiriscare/domainjoin/internal/guest"
	"github.com/osiriscare/domainjoin/internal/journal"
	"github.com/osiriscare/domainjoin/internal/sshexec"
	"github.com/osiriscare/domainjoin/internal/ui"
	"github.com/osiriscare/domainjoin/internal/winrm"
)

// session is everything one command needs, built from config.
type session struct {
	cfg     *config.Config
	comm    guest.Communicator
	ui      *ui.Terminal
	req     *domainjoin.Request
	prov    *domainjoin.Provisioner
	journal *journal.Journal
	closers []func()
}

func openSession(opts *globalOptions) (*session, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log.SetFlags(log.LstdFlags)
	if opts.debug || cfg.Debug() {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	comm, closeComm, err := newCommunicator(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:     cfg,
		comm:    comm,
		ui:      ui.NewTerminal(os.Stdin, os.Stdout, cfg.Host),
		req:     newRequest(cfg),
		closers: []func(){closeComm},
	}
	s.closers = append(s.closers, s.req.Close)

	popts := domainjoin.Options{
		Restart:            cfg.Restart,
		RestartDelay:       cfg.RestartDelay,
		DiscoverController: cfg.DiscoverDomainController,
		GuestScriptPath:    cfg.GuestScriptPath,
		DSC: domainjoin.DSCOptions{
			ModulePaths:       cfg.ModulePath,
			ManifestsPath:     cfg.ManifestsPath,
			ConfigurationFile: cfg.ConfigurationFile,
			ConfigurationName: cfg.ConfigurationName,
		},
	}
	if cfg.DiscoverDomainController {
		popts.Locator = discovery.NewLocator(nil)
	}
	if cfg.JournalEnabled {
		j, err := journal.Open(cfg.JournalPath(), cfg.SigningKeyPath(), cfg.Domain, cfg.Host)
		if err != nil {
			log.Printf("[journal] Disabled: %v", err)
		} else {
			s.journal = j
			popts.Recorder = j
		}
	}

	s.prov = domainjoin.New(comm, s.ui, s.req, popts)
	return s, nil
}

// Close releases the connection and scrubs credentials.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// lastEntry returns the most recent journal entry for this guest, if any.
func (s *session) lastEntry() *journal.Entry {
	if !s.cfg.JournalEnabled {
		return nil
	}
	doc, err := journal.Load(s.cfg.JournalPath())
	if err != nil || doc == nil {
		return nil
	}
	if err := doc.Verify(); err != nil {
		log.Printf("[journal] %v", err)
		return nil
	}
	if e, ok := doc.Last(s.cfg.Host); ok {
		return &e
	}
	return nil
}

// newCommunicator builds the configured transport. The returned func
// releases it.
func newCommunicator(cfg *config.Config) (guest.Communicator, func(), error) {
	kind, err := guest.ParseKind(cfg.Communicator)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case guest.SSH:
		c := sshexec.New(&sshexec.Target{
			Hostname: cfg.Host,
			Port:     cfg.Port,
			Username: cfg.GuestUsername,
		})
		return c, func() { c.Close() }, nil
	default:
		target := &winrm.Target{
			Hostname:  cfg.Host,
			Port:      cfg.Port,
			Username:  cfg.GuestUsername,
			UseSSL:    cfg.UseSSL,
			VerifySSL: cfg.VerifySSL,
		}
		if cfg.GuestPassword != nil {
			target.Password = *cfg.GuestPassword
		}
		c := winrm.New(target)
		return c, c.InvalidateSession, nil
	}
}

// newRequest moves the domain account out of cfg into the request so the
// password only lives in a zeroable buffer.
func newRequest(cfg *config.Config) *domainjoin.Request {
	req := &domainjoin.Request{
		Domain:           cfg.Domain,
		ComputerName:     cfg.ComputerName,
		OUPath:           cfg.OUPath,
		DomainController: cfg.DomainController,
		Credentials:      credentials.Credentials{Unsecure: cfg.Unsecure},
	}
	if cfg.Username != nil {
		u := *cfg.Username
		req.Credentials.Username = &u
	}
	if cfg.Password != nil {
		req.Credentials.Password = credentials.NewSecret(*cfg.Password)
		cfg.Password = nil
	}
	return req
}

// statusLines renders the status command output.
func statusLines(cfg *config.Config, info domainjoin.MembershipInfo, last *journal.Entry) []string {
	var lines []string
	switch info.State {
	case domainjoin.MembershipJoined:
		lines = append(lines, fmt.Sprintf("%s is joined to %s", info.ComputerName, info.Domain))
	case domainjoin.MembershipNotJoined:
		if info.PartOfDomain {
			lines = append(lines, fmt.Sprintf("%s belongs to %s, not %s", info.ComputerName, info.Domain, cfg.Domain))
		} else {
			lines = append(lines, fmt.Sprintf("%s is not joined to %s (workgroup %s)", info.ComputerName, cfg.Domain, info.Domain))
		}
	default:
		lines = append(lines, "Domain membership could not be determined")
	}
	if last != nil {
		lines = append(lines, fmt.Sprintf("Last recorded step: %s %s", last.Step, humanize.RelTime(last.At, time.Now(), "ago", "from now")))
	}
	return lines
}
