package actions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

// DNS verifies that names resolve, retrying while records propagate.
//
// Params:
//
//	names     comma separated names to resolve
//	resolver  DNS server as host:port, default the system resolver
type DNS struct {
	lookup func(ctx context.Context, resolver, host string) ([]string, error)
}

// Run implements engine.ActionHandler.
func (d *DNS) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "names"); err != nil {
		return nil, err
	}
	lookup := d.lookup
	if lookup == nil {
		lookup = lookupHost
	}
	resolver := req.Param("resolver")

	var out strings.Builder
	var pending []string
	var lastErr error
	for _, name := range list(req.Param("names")) {
		addrs, err := lookup(ctx, resolver, name)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil || len(addrs) == 0 {
			pending = append(pending, name)
			lastErr = err
			logf(req.Log, "%s: not resolvable yet", name)
			continue
		}
		line := fmt.Sprintf("%s: %s", name, strings.Join(addrs, ", "))
		logf(req.Log, "%s", line)
		out.WriteString(line + "\n")
	}

	result := &engine.ActionResult{Output: out.String()}
	if len(pending) > 0 {
		return result, engine.NewTransientError(
			fmt.Sprintf("%d name(s) not resolvable yet: %s", len(pending), strings.Join(pending, ", ")), lastErr).
			WithDetail("pending", pending)
	}
	return result, nil
}

func lookupHost(ctx context.Context, server, host string) ([]string, error) {
	r := net.DefaultResolver
	if server != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, server)
			},
		}
	}
	addrs, err := r.LookupHost(ctx, host)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil, nil
	}
	return addrs, err
}
