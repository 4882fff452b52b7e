package protocol

import (
	"fmt"
	"strings"
)

// Well-known reserved tokens (spec.md §3).
const (
	TokenModelID         = "modelId"
	TokenCommandName     = "commandName"
	TokenTelemetryName   = "telemetryName"
	TokenExecutorID      = "executorId"
	TokenInvokerClientID = "invokerClientId"
	TokenSenderID        = "senderId"
)

// TokenMap is a free-form overlay of token name to value, keyed by the
// reserved names above or any application-defined name. It generalizes the
// re-architecture note in spec.md §9 ("typed enum of well-known tokens plus a
// free-form overlay").
type TokenMap map[string]string

// mergeTokens returns a new TokenMap containing base's entries overridden by
// override's entries. Per the Open Question in spec.md §9, the per-call
// overlay always wins over the sender/invoker-wide base map (see DESIGN.md).
func mergeTokens(base, override TokenMap) TokenMap {
	out := make(TokenMap, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// isValidTopicSegment reports whether v is usable as a single MQTT topic
// level: non-empty, and free of '/', '+', '#' and control characters, per
// spec.md §3.
func isValidTopicSegment(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r == '/' || r == '+' || r == '#':
			return false
		case r < 0x20 || r == 0x7f:
			return false
		}
	}
	return true
}

// Resolve substitutes every `{token}` placeholder in pattern with tokens[token],
// producing a concrete topic string. It fails with KindInvalidConfiguration if
// a token is unresolved or its value is not a valid topic segment.
func Resolve(pattern string, tokens TokenMap) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		open := strings.IndexByte(pattern[i:], '{')
		if open < 0 {
			b.WriteString(pattern[i:])
			break
		}
		b.WriteString(pattern[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(pattern[start:], '}')
		if close < 0 {
			return "", ShallowError(KindInvalidConfiguration,
				fmt.Sprintf("unterminated token placeholder in pattern %q", pattern))
		}
		name := pattern[start : start+close]
		if !isValidTokenName(name) {
			return "", ShallowError(KindInvalidConfiguration,
				fmt.Sprintf("malformed token name %q in pattern %q", name, pattern))
		}
		value, ok := tokens[name]
		if !ok {
			return "", ShallowError(KindInvalidConfiguration,
				fmt.Sprintf("unresolved token %q in pattern %q", name, pattern))
		}
		if !isValidTopicSegment(value) {
			return "", ShallowError(KindInvalidConfiguration,
				fmt.Sprintf("value %q for token %q is not a valid topic segment", value, name))
		}
		b.WriteString(value)
		i = start + close + 1
	}
	return b.String(), nil
}

// isValidTokenName matches the spec's "alphanumeric-plus-colon" token name
// rule.
func isValidTokenName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':':
		default:
			return false
		}
	}
	return true
}

// Match treats each `{token}` placeholder in pattern as a single-level MQTT
// wildcard and attempts to align it against topic, segment by segment;
// literal segments must match exactly. On success it returns the token
// values extracted from topic; on failure it returns (nil, false).
//
// Adapted from gonzalop/mq's own matchTopic (topic.go), generalized from
// fixed '+'/'#' wildcards to named-token capture.
func Match(pattern, topic string) (TokenMap, bool) {
	if strings.HasPrefix(topic, "$") && !strings.HasPrefix(pattern, "$") {
		// MQTT-4.7.2-1: patterns starting with a wildcard must not match
		// topics beginning with '$' unless the pattern itself starts with it.
		return nil, false
	}

	patSegs := strings.Split(pattern, "/")
	topSegs := strings.Split(topic, "/")

	tokens := make(TokenMap)
	pi, ti := 0, 0
	for pi < len(patSegs) {
		seg := patSegs[pi]
		switch {
		case seg == "#":
			if pi != len(patSegs)-1 {
				return nil, false
			}
			return tokens, true
		case seg == "+":
			if ti >= len(topSegs) {
				return nil, false
			}
			pi++
			ti++
		case isTokenPlaceholder(seg):
			if ti >= len(topSegs) {
				return nil, false
			}
			name := seg[1 : len(seg)-1]
			tokens[name] = topSegs[ti]
			pi++
			ti++
		default:
			if ti >= len(topSegs) || topSegs[ti] != seg {
				return nil, false
			}
			pi++
			ti++
		}
	}
	if ti != len(topSegs) {
		return nil, false
	}
	return tokens, true
}

func isTokenPlaceholder(seg string) bool {
	return len(seg) >= 3 && seg[0] == '{' && seg[len(seg)-1] == '}' && isValidTokenName(seg[1:len(seg)-1])
}

// SubscriptionFilter rewrites a `{token}`-bearing topic pattern into the MQTT
// subscription filter that receives every topic Match would accept: each
// placeholder becomes a single-level '+' wildcard.
func SubscriptionFilter(pattern string) string {
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if isTokenPlaceholder(seg) {
			segs[i] = "+"
		}
	}
	return strings.Join(segs, "/")
}
