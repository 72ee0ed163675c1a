package account

import (
	"strings"

	"github.com/valyala/fastjson"
)

// Row labels of the prefunded accounts table katana prints in text mode.
const (
	addressLabel    = "| Account address |"
	privateKeyLabel = "| Private key"
	publicKeyLabel  = "| Public key"
)

// ParsePrefunded extracts the prefunded accounts a node printed at startup,
// in print order, from its log messages. Two layouts are understood:
//
//	{"accounts":[["0x<address>",{"private_key":"0x..","public_key":"0x.."}], ...]}
//
// which katana logs with --json-log, and the text table
//
//	| Account address |  0x..
//	| Private key     |  0x..
//	| Public key      |  0x..
//
// Accounts without an address or private key are dropped. An address
// printed twice is kept once.
func ParsePrefunded(messages []string) []*Account {
	var (
		p       fastjson.Parser
		out     []*Account
		seen    = make(map[string]bool)
		current *Account
	)
	add := func(a *Account) {
		if a == nil || a.Address == "" || a.PrivateKey == "" || seen[a.Address] {
			return
		}
		seen[a.Address] = true
		a.Index = len(out)
		out = append(out, a)
	}

	for _, msg := range messages {
		if trimmed := strings.TrimSpace(msg); strings.HasPrefix(trimmed, "{") {
			for _, a := range parseSummary(&p, trimmed) {
				add(a)
			}
			continue
		}
		for _, line := range strings.Split(msg, "\n") {
			switch {
			case strings.Contains(line, addressLabel):
				add(current)
				current = &Account{Address: rowValue(line)}
			case current != nil && strings.Contains(line, privateKeyLabel):
				current.PrivateKey = rowValue(line)
			case current != nil && strings.Contains(line, publicKeyLabel):
				current.PublicKey = rowValue(line)
			}
		}
	}
	add(current)
	return out
}

// parseSummary reads the accounts member of a JSON startup summary. Entries
// are [address, details] pairs or objects carrying an address member.
func parseSummary(p *fastjson.Parser, msg string) []*Account {
	v, err := p.Parse(msg)
	if err != nil {
		return nil
	}
	entries := v.GetArray("accounts")
	out := make([]*Account, 0, len(entries))
	for _, e := range entries {
		var (
			addr    string
			details *fastjson.Value
		)
		switch e.Type() {
		case fastjson.TypeArray:
			pair := e.GetArray()
			if len(pair) != 2 {
				continue
			}
			addr = str(pair[0])
			details = pair[1]
		case fastjson.TypeObject:
			addr = str(e.Get("address"))
			details = e
		default:
			continue
		}
		out = append(out, &Account{
			Address:    addr,
			PrivateKey: member(details, "private_key", "privateKey"),
			PublicKey:  member(details, "public_key", "publicKey"),
		})
	}
	return out
}

// member returns the first of keys present on v as a string.
func member(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if s := str(v.Get(k)); s != "" {
			return s
		}
	}
	return ""
}

func str(v *fastjson.Value) string {
	if v == nil || v.Type() != fastjson.TypeString {
		return ""
	}
	b, _ := v.StringBytes()
	return string(b)
}

// rowValue returns the last whitespace-delimited token of a table row.
func rowValue(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], "|")
}
