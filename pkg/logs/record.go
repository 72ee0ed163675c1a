package logs

import (
	"github.com/valyala/fastjson"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// ParseRecord parses one log line.
// Returns false if the line is not a complete JSON object with string
// timestamp, level, fields.message and fields.target members.
func ParseRecord(line string) (types.LogRecord, bool) {
	var p fastjson.Parser
	return parseRecord(&p, line)
}

func parseRecord(p *fastjson.Parser, line string) (types.LogRecord, bool) {
	v, err := p.Parse(line)
	if err != nil || v.Type() != fastjson.TypeObject {
		return types.LogRecord{}, false
	}

	var rec types.LogRecord
	var ok bool
	if rec.Timestamp, ok = stringMember(v, "timestamp"); !ok {
		return types.LogRecord{}, false
	}
	if rec.Level, ok = stringMember(v, "level"); !ok {
		return types.LogRecord{}, false
	}
	if rec.Fields.Message, ok = stringMember(v, "fields", "message"); !ok {
		return types.LogRecord{}, false
	}
	if rec.Fields.Target, ok = stringMember(v, "fields", "target"); !ok {
		return types.LogRecord{}, false
	}
	return rec, true
}

// stringMember returns the string at the given key path.
// Returns false if the member is missing or is not a JSON string.
func stringMember(v *fastjson.Value, keys ...string) (string, bool) {
	m := v.Get(keys...)
	if m == nil || m.Type() != fastjson.TypeString {
		return "", false
	}
	b, err := m.StringBytes()
	if err != nil {
		return "", false
	}
	return string(b), true
}
