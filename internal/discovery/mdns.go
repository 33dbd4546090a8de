// Package discovery advertises the monitor's HTTP endpoint over mDNS and
// finds other monitors on the local network.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type of rheedd instances
const ServiceType = "_rheed._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	InstanceID  string
}

// Advertiser publishes this instance via mDNS
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *mdns.Server
}

// Instance describes a discovered monitor
type Instance struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	InstanceID string `json:"instance_id,omitempty"`
}

// NewAdvertiser creates an advertiser
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{cfg: cfg}
}

// Advertise starts answering mDNS queries for this instance
func (a *Advertiser) Advertise() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		a.cfg.ServiceName,
		ServiceType,
		"",
		"",
		a.cfg.Port,
		ips,
		txtRecords(a.cfg),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	a.server = server

	slog.Info("advertising mdns service",
		"name", a.cfg.ServiceName,
		"type", ServiceType,
		"port", a.cfg.Port,
	)
	return nil
}

// Stop withdraws the advertisement
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

// Browse queries the network for rheedd instances for the given duration
func Browse(timeout time.Duration) ([]Instance, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var (
		found []Instance
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found = append(found, instanceFromEntry(entry))
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	wg.Wait()

	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return found, nil
}

func txtRecords(cfg Config) []string {
	txt := []string{"path=/health", "samples=/ws/samples", "preview=/preview.jpg"}
	if cfg.InstanceID != "" {
		txt = append(txt, "instance="+cfg.InstanceID)
	}
	return txt
}

func instanceFromEntry(e *mdns.ServiceEntry) Instance {
	inst := Instance{Name: e.Name, Port: e.Port}
	if e.AddrV4 != nil {
		inst.Host = e.AddrV4.String()
	} else {
		inst.Host = e.Host
	}
	for _, f := range e.InfoFields {
		if v, ok := strings.CutPrefix(f, "instance="); ok {
			inst.InstanceID = v
		}
	}
	return inst
}

// localIPs returns the IPv4 addresses of the interfaces that are up
func localIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
