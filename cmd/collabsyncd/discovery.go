package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/grandcat/zeroconf"
)

// announce registers the daemon as an mDNS service so peers on the local
// network find each other without configuration, and logs any peers it can
// see. Runs until ctx is done.
func announce(ctx context.Context, serviceName string, port int) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collabsyncd-%s", host),
		serviceName,
		"local.",
		port,
		[]string{"proto=1"},
		nil,
	)
	if err != nil {
		log.Printf("mDNS register failed: %v", err)
		return
	}
	defer server.Shutdown()
	log.Printf("mDNS service registered: %s on port %d", serviceName, port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Printf("mDNS resolver failed: %v", err)
		<-ctx.Done()
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) > 0 {
				log.Printf("mDNS peer: %s at %s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port)
			}
		}
	}()
	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		log.Printf("mDNS browse failed: %v", err)
	}
	<-ctx.Done()
}
