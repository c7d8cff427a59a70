package gossip

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type gossip nodes announce.
const ServiceType = "_dsync._tcp"

// Advertise announces a gossip node on the local network via mDNS.
// The returned function withdraws the announcement.
func Advertise(nodeName string, port int) (stop func(), err error) {
	server, err := zeroconf.Register(nodeName, ServiceType, "local.", port, []string{"node=" + nodeName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Infof("announcing %s as %s on port %d", nodeName, ServiceType, port)
	return server.Shutdown, nil
}

// Discoverer returns a function that browses the local network for other
// gossip nodes and returns their addresses as seeds. Each browse lasts at most window.
func Discoverer(self string, window time.Duration) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, window)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry, 16)
		if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
			return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
		}

		var seeds []string
	browse:
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					break browse
				}
				if e.Instance == self || len(e.AddrIPv4) == 0 {
					continue
				}
				seeds = append(seeds, net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port)))
			case <-ctx.Done():
				break browse
			}
		}
		log.Debugf("mDNS discovered %d peers", len(seeds))
		return seeds, nil
	}
}
