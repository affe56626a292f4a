/*
 * Copyright (c) 2025, Weir Networks.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package weir

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/miekg/dns"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// DnsClient is the resolution contract consumed by Connect and the relay.
// LookupAddress resolves an Address to a concrete, connectable socket
// address or fails. Implementations must return without network I/O when
// the Address already carries an IP.
type DnsClient interface {
	LookupAddress(ctx context.Context, address Address) (netip.AddrPort, error)
}

const (
	resolverCacheDefaultTTL    = 1 * time.Minute
	resolverCacheReapFrequency = 1 * time.Minute
	resolverCacheMaxEntries    = 10000
	resolverDefaultMinTTL      = 1 * time.Second
	resolverDefaultTimeout     = 5 * time.Second
	resolverDNSPort            = "53"
	udpPacketBufferSize        = 1232
)

// ResolverConfig specifies a Resolver.
type ResolverConfig struct {

	// Servers lists plaintext DNS server addresses ("IP:port", or IP only
	// with port 53 assumed), in priority order. At least one is required.
	Servers []string

	// RequestTimeout bounds each query exchange. 0 selects the default
	// of 5s.
	RequestTimeout time.Duration

	// IncludeAAAA requests AAAA records concurrently with A records.
	// A answers are preferred when both arrive.
	IncludeAAAA bool

	// Logger receives warnings for rejected responses. May be nil.
	Logger common.Logger
}

// Resolver is a DnsClient implementation performing plaintext DNS queries
// against an explicit server list, with an LRU answer cache honoring
// per-answer TTLs. IP address literals short-circuit without lookups.
type Resolver struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	requestCount  int64
	cacheHitCount int64

	config  ResolverConfig
	servers []string
	cache   *lrucache.Cache
}

// NewResolver initializes a new Resolver.
func NewResolver(config *ResolverConfig) (*Resolver, error) {

	if len(config.Servers) == 0 {
		return nil, errors.TraceNew("no DNS servers configured")
	}

	servers := make([]string, 0, len(config.Servers))
	for _, server := range config.Servers {
		host := server
		if h, _, err := net.SplitHostPort(server); err == nil {
			host = h
		} else {
			server = net.JoinHostPort(server, resolverDNSPort)
		}
		if net.ParseIP(host) == nil {
			return nil, errors.Tracef("invalid DNS server IP address: %s", host)
		}
		servers = append(servers, server)
	}

	return &Resolver{
		config:  *config,
		servers: servers,
		cache: lrucache.NewWithLRU(
			resolverCacheDefaultTTL,
			resolverCacheReapFrequency,
			resolverCacheMaxEntries),
	}, nil
}

// LookupAddress implements the DnsClient interface.
func (r *Resolver) LookupAddress(
	ctx context.Context, address Address) (netip.AddrPort, error) {

	if address.IsZero() {
		return netip.AddrPort{}, errors.TraceNew("no destination")
	}

	// IP literals resolve to themselves without any network operation.
	if IP, ok := address.IP(); ok {
		return netip.AddrPortFrom(IP, address.Port()), nil
	}

	atomic.AddInt64(&r.requestCount, 1)

	hostname := address.Hostname()

	if entry, ok := r.cache.Get(hostname); ok {
		atomic.AddInt64(&r.cacheHitCount, 1)
		return netip.AddrPortFrom(entry.(netip.Addr), address.Port()), nil
	}

	IP, TTL, err := r.resolve(ctx, hostname)
	if err != nil {
		return netip.AddrPort{}, errors.Trace(err)
	}

	r.cache.Set(hostname, IP, TTL)

	return netip.AddrPortFrom(IP, address.Port()), nil
}

// FlushCache discards all cached answers. Call when network state changes,
// as cached results are only valid as long as the DNS configuration
// remains the same.
func (r *Resolver) FlushCache() {
	r.cache.Flush()
}

// GetMetrics implements the common.MetricsSource interface.
func (r *Resolver) GetMetrics() common.LogFields {
	return common.LogFields{
		"resolver_requests":   atomic.LoadInt64(&r.requestCount),
		"resolver_cache_hits": atomic.LoadInt64(&r.cacheHitCount),
	}
}

// resolve queries each configured server in turn until one returns a valid
// answer. For each server, A and, when configured, AAAA questions are sent
// concurrently; an A answer is preferred.
func (r *Resolver) resolve(
	ctx context.Context, hostname string) (netip.Addr, time.Duration, error) {

	var lastErr error

	for _, server := range r.servers {

		questionTypes := []uint16{dns.TypeA}
		if r.config.IncludeAAAA {
			questionTypes = append(questionTypes, dns.TypeAAAA)
		}

		var mutex sync.Mutex
		answers := make(map[uint16]dnsAnswer)
		waitGroup := new(sync.WaitGroup)

		for _, questionType := range questionTypes {
			waitGroup.Add(1)
			go func(questionType uint16) {
				defer waitGroup.Done()
				answer, err := r.query(ctx, server, hostname, questionType)
				mutex.Lock()
				defer mutex.Unlock()
				if err != nil {
					if lastErr == nil {
						lastErr = err
					}
					return
				}
				answers[questionType] = answer
			}(questionType)
		}

		waitGroup.Wait()

		if answer, ok := answers[dns.TypeA]; ok {
			return answer.IP, answer.TTL, nil
		}
		if answer, ok := answers[dns.TypeAAAA]; ok {
			return answer.IP, answer.TTL, nil
		}
	}

	if lastErr == nil {
		lastErr = errors.Tracef("no answer for %s", hostname)
	}
	return netip.Addr{}, 0, errors.Trace(lastErr)
}

type dnsAnswer struct {
	IP  netip.Addr
	TTL time.Duration
}

// query performs one DNS exchange over UDP. Responses are read until one
// arrives with the request's ID, a matching question, and a valid answer
// IP, or until the request deadline.
func (r *Resolver) query(
	ctx context.Context,
	server string,
	hostname string,
	questionType uint16) (dnsAnswer, error) {

	timeout := r.config.RequestTimeout
	if timeout <= 0 {
		timeout = resolverDefaultTimeout
	}
	requestCtx, cancelFunc := context.WithTimeout(ctx, timeout)
	defer cancelFunc()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(requestCtx, "udp", server)
	if err != nil {
		return dnsAnswer{}, errors.Trace(err)
	}
	defer conn.Close()

	deadline, _ := requestCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	// Interrupt the blocking read when requestCtx is done.
	stopAwait := make(chan struct{})
	defer close(stopAwait)
	go func() {
		select {
		case <-requestCtx.Done():
			conn.Close()
		case <-stopAwait:
		}
	}()

	// UDPSize sets the receive buffer to > 512, which mitigates issues with
	// RFC 1035 non-compliant servers. See Go issue 51127.
	dnsConn := &dns.Conn{
		Conn:    conn,
		UDPSize: udpPacketBufferSize,
	}

	// SetQuestion initializes request.MsgHdr.Id to a random value.
	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(hostname), questionType)

	err = dnsConn.WriteMsg(request)
	if err != nil {
		return dnsAnswer{}, errors.Trace(err)
	}

	var lastErr error
	for {

		if requestCtx.Err() != nil {
			err := lastErr
			if err == nil {
				err = errors.Trace(requestCtx.Err())
			}
			return dnsAnswer{}, err
		}

		response, err := dnsConn.ReadMsg()
		if err == nil && response.MsgHdr.Id != request.MsgHdr.Id {
			err = dns.ErrId
		}
		if err != nil {
			// Try reading again, in case the first response packet failed to
			// unmarshal or had an invalid ID. The Go resolver also does this;
			// see Go issue 13281.
			if requestCtx.Err() == nil {
				lastErr = errors.Tracef("invalid response: %v", err)
				r.logWarning(lastErr)
			}
			continue
		}

		if len(response.Question) != 1 ||
			response.Question[0].Name != dns.Fqdn(hostname) {
			lastErr = errors.TraceNew("unexpected question in response")
			r.logWarning(lastErr)
			continue
		}

		if response.MsgHdr.Rcode != dns.RcodeSuccess {
			errMsg, ok := dns.RcodeToString[response.MsgHdr.Rcode]
			if !ok {
				errMsg = "unknown RCode"
			}
			lastErr = errors.Tracef("unexpected RCode: %s", errMsg)
			r.logWarning(lastErr)
			continue
		}

		for _, answer := range response.Answer {

			var IP net.IP
			var TTLSec uint32
			switch questionType {
			case dns.TypeA:
				if a, ok := answer.(*dns.A); ok {
					IP = a.A
					TTLSec = a.Hdr.Ttl
				}
			case dns.TypeAAAA:
				if aaaa, ok := answer.(*dns.AAAA); ok {
					IP = aaaa.AAAA
					TTLSec = aaaa.Hdr.Ttl
				}
			}
			if IP == nil {
				continue
			}

			err := checkDNSAnswerIP(IP)
			if err != nil {
				lastErr = errors.TraceMsg(err, "invalid answer IP")
				r.logWarning(lastErr)
				continue
			}

			addr, ok := netip.AddrFromSlice(IP)
			if !ok {
				continue
			}

			TTL := time.Duration(TTLSec) * time.Second
			if TTL < resolverDefaultMinTTL {
				TTL = resolverDefaultMinTTL
			}
			if TTL > resolverCacheDefaultTTL {
				TTL = resolverCacheDefaultTTL
			}

			return dnsAnswer{IP: addr.Unmap(), TTL: TTL}, nil
		}

		lastErr = errors.TraceNew("response contains no usable answer")
		r.logWarning(lastErr)
	}
}

// checkDNSAnswerIP rejects clearly invalid answer IPs. A phony/injected
// response cannot be fully verified with plaintext DNS, but a bogon IP is
// never a legitimate answer for a tunneled destination.
func checkDNSAnswerIP(IP net.IP) error {
	if IP == nil {
		return errors.TraceNew("IP is nil")
	}
	if common.IsBogon(IP) {
		return errors.TraceNew("IP is bogon")
	}
	return nil
}

func (r *Resolver) logWarning(err error) {
	if r.config.Logger != nil {
		r.config.Logger.WithTrace().Warning(err)
	}
}
