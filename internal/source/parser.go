// internal/source/parser.go
package source

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"cbfw/internal/errkind"
)

// Parse converts a raw zone file body into a RangeList. Blank lines and
// '#' comments are skipped; every remaining line must be a valid prefix
// of the expected family or the whole input is rejected; a partially
// accepted list would punch holes in the blocklist. Bare
// addresses are accepted and widened to full-length prefixes. Exact
// duplicates are dropped, source order is otherwise kept. Zero prefixes
// is an error: an empty list must never replace a live one.
func Parse(raw []byte, country string, fam Family) (*RangeList, error) {
	op := fmt.Sprintf("parse %s-%s", country, fam)

	list := &RangeList{Country: country, Family: fam}
	seen := make(map[netip.Prefix]struct{})

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		prefix, err := parsePrefix(line)
		if err != nil {
			return nil, errkind.Newf(errkind.KindParse, op, "line %d: invalid prefix %q", lineNo, line)
		}

		if familyOf(prefix.Addr()) != fam {
			return nil, errkind.Newf(errkind.KindParse, op, "line %d: prefix %q is not %s", lineNo, line, fam)
		}

		prefix = prefix.Masked()
		if _, dup := seen[prefix]; dup {
			continue
		}
		seen[prefix] = struct{}{}
		list.Prefixes = append(list.Prefixes, prefix)
	}

	if err := scanner.Err(); err != nil {
		return nil, errkind.New(errkind.KindParse, op, err)
	}

	if len(list.Prefixes) == 0 {
		return nil, errkind.Newf(errkind.KindParse, op, "no prefixes in input")
	}

	return list, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func familyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}
