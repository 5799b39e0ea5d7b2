// Package report parses the opaque engine report XML blob into the
// fixed Summary the API surfaces. Per §4.3, a malformed report yields
// zeros for unknowable fields and never raises: the scan stays Done and
// report_xml is preserved intact regardless of what this package does
// with it.
package report

import (
	"encoding/xml"
	"strings"

	"github.com/scanbroker/core/internal/domain"
)

type reportDocument struct {
	Results struct {
		Result []resultElement `xml:"result"`
	} `xml:"results"`
	Hosts struct {
		Host []hostElement `xml:"host"`
	} `xml:"hosts"`
}

type resultElement struct {
	Threat string `xml:"threat"`
	Host   hostRef `xml:"host"`
}

type hostRef struct {
	Value string `xml:",chardata"`
}

type hostElement struct {
	IP string `xml:"ip"`
}

// Parse extracts a Summary from raw report XML. It never returns an
// error; a malformed or empty blob produces a zero-valued Summary.
func Parse(xmlText string) *domain.Summary {
	summary := &domain.Summary{}
	if strings.TrimSpace(xmlText) == "" {
		return summary
	}

	var doc reportDocument
	if err := xml.Unmarshal([]byte(xmlText), &doc); err != nil {
		return summary
	}

	hosts := map[string]struct{}{}
	for _, h := range doc.Hosts.Host {
		if h.IP != "" {
			hosts[h.IP] = struct{}{}
		}
	}

	for _, r := range doc.Results.Result {
		if h := strings.TrimSpace(r.Host.Value); h != "" {
			hosts[h] = struct{}{}
		}
		switch strings.TrimSpace(r.Threat) {
		case "High":
			summary.VulnsHigh++
		case "Medium":
			summary.VulnsMedium++
		case "Low":
			summary.VulnsLow++
		case "Log":
			summary.VulnsLog++
		}
	}

	summary.HostsScanned = len(hosts)
	return summary
}
