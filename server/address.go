package server

import (
	"fmt"
	"regexp"
	"strings"
)

const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe = regexp.MustCompile(LocalPartRegex)
	domainRe    = regexp.MustCompile(DomainNameRegex)
)

type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

// NewAddress validates and lowercases a local@domain address. Single-label
// domains such as "localhost" are accepted.
func NewAddress(address string) (Address, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return Address{}, fmt.Errorf("invalid address format: %s", address)
	}
	localPart, domain := address[:at], address[at+1:]
	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("invalid local part: %s", localPart)
	}
	if !domainRe.MatchString(domain) {
		return Address{}, fmt.Errorf("invalid domain: %s", domain)
	}
	return Address{fullAddress: address, localPart: localPart, domain: domain}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}
