// Package endpoint models the identity of a single scrape target: one rsync
// module on one M-Lab node.
package endpoint

import (
	"fmt"
	"regexp"
	"time"

	"github.com/m-lab/scraper/internal/fault"
)

// DefaultRsyncPort is the port the fleet's rsync daemons listen on.
const DefaultRsyncPort = 7999

// mlabHostname matches fleet hostnames like
// "ndt.iupui.mlab2.nuq1t.measurement-lab.org" or "mlab4.sea02.measurement-lab.org"
// and captures the node ("mlab2") and site ("nuq1t") labels.
var mlabHostname = regexp.MustCompile(
	`^(?:.*\.)?(mlab[1-9])\.([a-z]{3}[0-9][0-9t])\.measurement-lab\.org$`)

// Endpoint names one data source: producer host x port x rsync module.
// Its URL is the unique key for the endpoint's sync record.
type Endpoint struct {
	Host   string
	Port   int
	Module string

	// Derived from Host at construction.
	Node string
	Site string
}

// New validates host and returns the endpoint identity. The port falls back
// to DefaultRsyncPort when zero.
func New(host string, port int, module string) (*Endpoint, error) {
	node, site, err := NodeAndSite(host)
	if err != nil {
		return nil, err
	}
	if module == "" {
		return nil, fault.Fatalf(fault.LabelBadHostname, "empty rsync module for host %q", host)
	}
	if port == 0 {
		port = DefaultRsyncPort
	}
	return &Endpoint{
		Host:   host,
		Port:   port,
		Module: module,
		Node:   node,
		Site:   site,
	}, nil
}

// NodeAndSite parses an M-Lab hostname into its node and site labels.
func NodeAndSite(host string) (node, site string, err error) {
	m := mlabHostname.FindStringSubmatch(host)
	if m == nil {
		return "", "", fault.Fatalf(fault.LabelBadHostname, "not a valid M-Lab hostname: %q", host)
	}
	return m[1], m[2], nil
}

// URL returns the rsync URL of the module, e.g.
// "rsync://mlab1.acc01.measurement-lab.org:7999/ndt".
func (e *Endpoint) URL() string {
	return fmt.Sprintf("rsync://%s:%d/%s", e.Host, e.Port, e.Module)
}

// String implements fmt.Stringer for log lines.
func (e *Endpoint) String() string {
	return e.URL()
}

// ArchiveName returns the tarfile name for an archive whose oldest member has
// mtime min, e.g. "20150706T000000Z-mlab1-acc01-ndt-0000.tgz". The trailing
// sequence number is a legacy fixed field; min-mtime seconds plus the
// same-second grouping rule make names unique.
func (e *Endpoint) ArchiveName(min time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s-0000.tgz",
		min.UTC().Format("20060102T150405Z"), e.Node, e.Site, e.Module)
}

// ObjectKey returns the object-store key for an archive whose oldest member
// has mtime min: "<module>/YYYY/MM/DD/<basename>". Replays of the same
// archive land on the same key and overwrite.
func (e *Endpoint) ObjectKey(min time.Time) string {
	return fmt.Sprintf("%s/%s/%s", e.Module, min.UTC().Format("2006/01/02"), e.ArchiveName(min))
}
