// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package resolve performs asynchronous host name resolution on behalf of the
// message dispatchers. A request is identified by a Token and its result is
// delivered exactly once to the Listener given when queueing it.
package resolve

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Token identifies one queued resolution request.
type Token uint64

// Listener receives the result of a resolution request. On failure, ok is false
// and addr is the zero value.
type Listener interface {
	ResolutionComplete(token Token, host string, addr netip.Addr, ok bool)
}

// lookupFunc is the signature of net.Resolver.LookupNetIP.
type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// Resolver resolves host names on background goroutines.
type Resolver struct {
	timeout time.Duration
	lookup  lookupFunc

	nextToken atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResolver creates a Resolver using the system resolver. Each lookup is
// aborted after the given timeout.
func NewResolver(timeout time.Duration) *Resolver {
	return newResolver(timeout, net.DefaultResolver.LookupNetIP)
}

func newResolver(timeout time.Duration, lookup lookupFunc) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		timeout: timeout,
		lookup:  lookup,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// QueueForResolution starts resolving host and returns the request's Token.
// The Listener might be called before this method returns.
func (r *Resolver) QueueForResolution(host string, listener Listener) Token {
	token := Token(r.nextToken.Add(1))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		addrs, err := r.lookup(ctx, "ip", host)

		// A closed Resolver stops delivering completions.
		if r.ctx.Err() != nil {
			return
		}

		if err != nil || len(addrs) == 0 {
			log.WithFields(log.Fields{
				"host":  host,
				"token": token,
				"error": err,
			}).Debug("Resolving host failed")

			listener.ResolutionComplete(token, host, netip.Addr{}, false)
			return
		}

		addr := pick(addrs)
		log.WithFields(log.Fields{
			"host":    host,
			"token":   token,
			"address": addr,
		}).Debug("Resolved host")

		listener.ResolutionComplete(token, host, addr, true)
	}()

	return token
}

// pick prefers IPv4 addresses, as most tactical networks are IPv4 only.
func pick(addrs []netip.Addr) netip.Addr {
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return addr.Unmap()
		}
	}
	return addrs[0]
}

// Close stops this Resolver. Pending requests will not be completed.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}
