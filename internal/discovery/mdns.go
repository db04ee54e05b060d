package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/k3wko/daxmon/internal/logging"
)

// DefaultService is the DNS-SD service newer firmware advertises alongside
// the UDP broadcast.
const DefaultService = "_flexradio._tcp"

// browseMDNS browses the service until ctx ends and converts each entry into
// a Record. TXT records carry the same key=value fields as the broadcast
// payload; entries without a usable serial are skipped.
func browseMDNS(ctx context.Context, service string, out chan<- Record, log logging.Logger) error {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if e == nil {
				continue
			}
			rec, err := entryToRecord(e)
			if err != nil {
				log.Debug("skipping mdns entry", logging.F("instance", e.Instance), logging.F("err", err))
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-done
	return nil
}

func entryToRecord(e *zeroconf.ServiceEntry) (Record, error) {
	text := strings.Join(e.Text, " ")
	if !strings.Contains(strings.ToLower(text), "model=") {
		// older TXT records omit the model; the instance name carries it
		if f := strings.Fields(cleanInstance(e.Instance)); len(f) > 0 {
			text = "model=" + f[0] + " " + text
		}
	}

	var src net.Addr
	if len(e.AddrIPv4) > 0 {
		src = &net.UDPAddr{IP: e.AddrIPv4[0], Port: e.Port}
	}
	rec, err := ParseRecord(text, src)
	if err != nil {
		return Record{}, err
	}
	if rec.Port == DefaultPort && e.Port != 0 {
		rec.Port = e.Port
	}
	rec.Source = "mdns"
	return rec, nil
}

// cleanInstance removes zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
