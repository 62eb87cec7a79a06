// Package discovery finds relays on the local network over mDNS.
package discovery

import (
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service relays advertise
const ServiceType = "_sketchroom._tcp"

// Advertise announces a relay listening on port. Call Shutdown on the
// returned server to withdraw it.
func Advertise(port int, version string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	info := []string{"sketchroom relay", "version=" + version}

	service, err := mdns.NewMDNSService(
		host,        // instance name
		ServiceType, // service type
		"",          // domain, defaults to .local
		"",          // hostname, defaults to the OS hostname
		port,
		nil, // IPs, auto-detected
		info,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	log.Printf("✓ Advertising relay on mDNS as %s (port %d)", host, port)
	return server, nil
}

// Relay is one relay found on the network
type Relay struct {
	Name    string
	Addr    string // host:port
	Version string
}

// URL is the relay's HTTP base URL
func (r Relay) URL() string {
	return "http://" + r.Addr
}

// Browse collects relays that answer within timeout, sorted by address
func Browse(timeout time.Duration) ([]Relay, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})

	seen := make(map[string]Relay)
	go func() {
		defer close(done)
		for e := range entries {
			if r, ok := fromEntry(e); ok {
				seen[r.Addr] = r
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mDNS lookup failed: %w", err)
	}

	relays := make([]Relay, 0, len(seen))
	for _, r := range seen {
		relays = append(relays, r)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Addr < relays[j].Addr })
	return relays, nil
}

// fromEntry keeps entries for our service with a usable IPv4 address
func fromEntry(e *mdns.ServiceEntry) (Relay, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Relay{}, false
	}
	if !strings.Contains(e.Name, ServiceType) {
		return Relay{}, false
	}

	r := Relay{
		Name: strings.TrimSuffix(e.Name, "."+ServiceType+".local."),
		Addr: net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port)),
	}
	for _, field := range e.InfoFields {
		if v, ok := strings.CutPrefix(field, "version="); ok {
			r.Version = v
		}
	}
	return r, true
}
