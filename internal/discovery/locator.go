// Package discovery locates Active Directory domain controllers so a join
// can be pinned to a specific server.
//
// Controllers come from the _ldap._tcp.dc._msdcs SRV records of the
// domain; each candidate is checked with an anonymous LDAP rootDSE query
// that must report the same domain.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// SRVResolver is the subset of *net.Resolver the locator needs.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Controller is one domain controller advertised in DNS.
type Controller struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Priority uint16 `json:"priority"`
	Weight   uint16 `json:"weight"`
	Verified bool   `json:"verified"`
}

// ErrNoControllers is returned when DNS advertises no controller.
var ErrNoControllers = errors.New("no domain controllers advertised")

// Locator finds domain controllers for a domain.
type Locator struct {
	resolver SRVResolver
	timeout  time.Duration
}

// NewLocator returns a locator using resolver, or the system resolver
// when nil.
func NewLocator(resolver SRVResolver) *Locator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Locator{resolver: resolver, timeout: 5 * time.Second}
}

// Controllers lists the controllers advertised for domain in SRV order
// and marks those whose rootDSE names the same domain.
func (l *Locator) Controllers(ctx context.Context, domain string) ([]Controller, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, fmt.Errorf("locate controllers: domain is required")
	}

	_, records, err := l.resolver.LookupSRV(ctx, "ldap", "tcp", "dc._msdcs."+domain)
	if err != nil {
		return nil, fmt.Errorf("lookup SRV for %s: %w", domain, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", domain, ErrNoControllers)
	}

	var dcs []Controller
	for _, r := range records {
		host := strings.TrimSuffix(r.Target, ".")
		if host == "" {
			continue
		}
		port := r.Port
		if port == 0 {
			port = 389
		}
		dc := Controller{Host: host, Port: port, Priority: r.Priority, Weight: r.Weight}
		if dn := queryLDAPRootDSE(ctx, net.JoinHostPort(host, fmt.Sprint(port)), l.timeout); dn != "" {
			dc.Verified = strings.EqualFold(dnToDomain(dn), domain)
			if !dc.Verified {
				log.Printf("[discovery] %s reports %s, not %s", host, dnToDomain(dn), domain)
			}
		}
		dcs = append(dcs, dc)
	}
	if len(dcs) == 0 {
		return nil, fmt.Errorf("%s: %w", domain, ErrNoControllers)
	}
	return dcs, nil
}

// Locate returns the first verified controller for domain. When none
// answers LDAP from here, the highest priority SRV target is returned.
func (l *Locator) Locate(ctx context.Context, domain string) (string, error) {
	dcs, err := l.Controllers(ctx, domain)
	if err != nil {
		return "", err
	}
	for _, dc := range dcs {
		if dc.Verified {
			log.Printf("[discovery] Domain controller %s verified for %s", dc.Host, domain)
			return dc.Host, nil
		}
	}
	log.Printf("[discovery] No controller for %s answered rootDSE, using %s", domain, dcs[0].Host)
	return dcs[0].Host, nil
}

// dnToDomain converts "DC=northvalley,DC=local" to "northvalley.local".
func dnToDomain(dn string) string {
	var parts []string
	for _, component := range strings.Split(dn, ",") {
		component = strings.TrimSpace(component)
		upper := strings.ToUpper(component)
		if strings.HasPrefix(upper, "DC=") {
			parts = append(parts, component[3:])
		}
	}
	return strings.Join(parts, ".")
}
