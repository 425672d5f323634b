// SPDX-License-Identifier: ISC
// Copyright (c) 2023-2026 Solarpunk Mesh Collective
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package announce

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/bitmark-inc/logger"

	"github.com/solarpunk-mesh/meshd/fault"
)

// rendezvous node information is published as DNS TXT records on a
// locally served domain, e.g. an access point's dnsmasq:
//
//	txt-record=nodes.mesh.local,"mesh-sync=v1 a=10.4.0.1 p=4130 k=xxx n=riverside"

const resolvConfigFile = "/etc/resolv.conf"

// Lookuper - fetch the TXT strings for a domain
type Lookuper interface {
	Lookup(domain string) ([]string, error)
}

// Rendezvous - background task refreshing the registry from DNS
type Rendezvous struct {
	log      *logger.L
	domain   string
	lookuper Lookuper
	registry *Registry
	interval time.Duration
}

// NewRendezvous - create the rendezvous refresher
//
// a nil lookuper selects the system resolver
func NewRendezvous(domain string, registry *Registry, interval time.Duration, lookuper Lookuper) *Rendezvous {
	if nil == lookuper {
		lookuper = &resolverLookup{}
	}
	return &Rendezvous{
		log:      logger.New("rendezvous"),
		domain:   domain,
		lookuper: lookuper,
		registry: registry,
		interval: interval,
	}
}

// Run - background processing interface
func (r *Rendezvous) Run(args interface{}, shutdown <-chan struct{}) {
	log := r.log
	log.Info("starting…")

	timer := time.After(time.Second) // first fetch almost immediately
loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-timer:
			timer = time.After(r.interval)
			if err := r.Fetch(); nil != err {
				log.Warnf("lookup %q error: %s", r.domain, err)
			}
		}
	}
	log.Info("stopped")
}

// Fetch - one TXT refresh pass
func (r *Rendezvous) Fetch() error {
	if "" == r.domain {
		return fault.ErrInvalidDnsTxtRecord
	}

	txts, err := r.lookuper.Lookup(r.domain)
	if nil != err {
		return err
	}

	added := 0
loop:
	for i, txt := range txts {
		txt = strings.TrimSpace(txt)
		tag, err := parseTag(txt)
		if nil != err {
			r.log.Debugf("ignore TXT[%d]: %q  error: %s", i, txt, err)
			continue loop
		}
		r.registry.Add(tag.entry())
		added += 1
	}
	r.log.Infof("processed: %d TXT records  usable: %d", len(txts), added)
	return nil
}

// resolverLookup - TXT query through the servers in resolv.conf
type resolverLookup struct{}

func (l *resolverLookup) Lookup(domain string) ([]string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConfigFile)
	if nil != err {
		return nil, err
	}
	if 0 == len(conf.Servers) {
		return nil, fault.ErrInvalidDnsTxtRecord
	}

	servers := conf.Servers
	// limit the nameservers to query
	if len(servers) > 3 {
		servers = servers[:3]
	}

	client := dns.Client{}
	msg := dns.Msg{}
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)

	e := error(nil)
loop:
	for _, server := range servers {
		reply, _, err := client.Exchange(&msg, net.JoinHostPort(server, conf.Port))
		if nil != err {
			e = err
			continue loop
		}

		txts := []string{}
		for _, rr := range reply.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				txts = append(txts, strings.Join(txt.Txt, ""))
			}
		}
		return txts, nil
	}
	return nil, e
}
