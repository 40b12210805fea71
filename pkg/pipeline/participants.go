package pipeline

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
)

// foldAddress normalizes an address for comparison. A Caser is stateful, so
// one is made per call.
func foldAddress(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// domainOf returns the folded domain of an address.
func domainOf(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return foldAddress(email[at+1:])
}

// Participants returns the sender and every recipient of msg, de-duplicated
// case-insensitively. The first role an address appears in wins, in the
// order from, to, cc, bcc.
func Participants(msg analysis.Message, tenantDomain string, domains *extraction.DomainResult) []storage.Participant {
	direction := storage.DirectionInbound
	if tenantDomain != "" && domainOf(msg.From.Email) == foldAddress(tenantDomain) {
		direction = storage.DirectionOutbound
	}

	seen := make(map[string]bool)
	var out []storage.Participant
	add := func(role storage.ParticipantRole, addrs ...analysis.Address) {
		for _, a := range addrs {
			key := foldAddress(a.Email)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, storage.Participant{
				Email:      strings.TrimSpace(a.Email),
				Name:       a.Name,
				Role:       role,
				Direction:  direction,
				CustomerID: domains.CustomerForDomain(domainOf(a.Email)),
			})
		}
	}
	add(storage.RoleFrom, msg.From)
	add(storage.RoleTo, msg.To...)
	add(storage.RoleCc, msg.Cc...)
	add(storage.RoleBcc, msg.Bcc...)
	return out
}

// systemUserEmails returns the participants in the tenant's own domain.
func systemUserEmails(participants []storage.Participant, tenantDomain string) []string {
	if tenantDomain == "" {
		return nil
	}
	want := foldAddress(tenantDomain)
	var out []string
	for _, p := range participants {
		if domainOf(p.Email) == want {
			out = append(out, p.Email)
		}
	}
	return out
}
