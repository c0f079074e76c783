package clinical

import "strings"

const addressSeparator = ", "

// SplitAddress splits a single-line address into two stored lines at the
// first ", ". Everything after it, further commas included, is line two.
func SplitAddress(address string) (line1, line2 string) {
	line1, line2, _ = strings.Cut(strings.TrimSpace(address), addressSeparator)
	return strings.TrimSpace(line1), strings.TrimSpace(line2)
}

// CombineAddress joins two address lines, skipping empty ones.
func CombineAddress(line1, line2 string) string {
	line1, line2 = strings.TrimSpace(line1), strings.TrimSpace(line2)
	switch {
	case line2 == "":
		return line1
	case line1 == "":
		return line2
	}
	return line1 + addressSeparator + line2
}

func (p *Patient) setAddress(address string) {
	p.AddressLine1, p.AddressLine2 = SplitAddress(address)
	p.Address = CombineAddress(p.AddressLine1, p.AddressLine2)
}

func (p *Provider) setAddress(address string) {
	p.AddressLine1, p.AddressLine2 = SplitAddress(address)
	p.Address = CombineAddress(p.AddressLine1, p.AddressLine2)
}
