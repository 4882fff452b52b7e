package protocol

import "testing"

func TestResolve(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		tokens  TokenMap
		want    string
		wantErr bool
	}{
		{"no tokens", "foo/bar", nil, "foo/bar", false},
		{"single token", "clients/{invokerClientId}/cmd", TokenMap{TokenInvokerClientID: "c1"}, "clients/c1/cmd", false},
		{"multiple tokens", "{modelId}/{commandName}", TokenMap{TokenModelID: "m1", TokenCommandName: "cmd1"}, "m1/cmd1", false},
		{"unresolved token", "{modelId}/cmd", TokenMap{}, "", true},
		{"unterminated", "{modelId/cmd", TokenMap{TokenModelID: "m1"}, "", true},
		{"invalid segment value", "{modelId}/cmd", TokenMap{TokenModelID: "a/b"}, "", true},
		{"malformed token name", "{model Id}/cmd", TokenMap{"model Id": "x"}, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Resolve(c.pattern, c.tokens)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got result %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("got %q want %q", got, c.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tokens, ok := Match("{modelId}/{commandName}/invoke", "thermostat/setTemp/invoke")
	if !ok {
		t.Fatalf("expected match")
	}
	if tokens[TokenModelID] != "thermostat" || tokens[TokenCommandName] != "setTemp" {
		t.Fatalf("unexpected captured tokens: %+v", tokens)
	}

	if _, ok := Match("a/b/c", "a/b"); ok {
		t.Fatalf("expected no match for a shorter topic")
	}

	if _, ok := Match("+/telemetry", "$share/group/telemetry"); ok {
		t.Fatalf("expected MQTT-4.7.2-1: a wildcard-leading pattern must not match a $-prefixed topic")
	}

	if _, ok := Match("$share/group/+", "$share/group/telemetry"); !ok {
		t.Fatalf("expected a pattern that itself starts with $ to match a $-prefixed topic")
	}

	tokens, ok = Match("sensors/#", "sensors/a/b/c")
	if !ok || tokens == nil {
		t.Fatalf("expected a multi-level wildcard to match")
	}
}

func TestSubscriptionFilter(t *testing.T) {
	got := SubscriptionFilter("clients/{invokerClientId}/{modelId}/cmd")
	want := "clients/+/+/cmd"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMergeTokensOverrideWins(t *testing.T) {
	base := TokenMap{"a": "base-a", "b": "base-b"}
	override := TokenMap{"a": "override-a"}
	merged := mergeTokens(base, override)
	if merged["a"] != "override-a" || merged["b"] != "base-b" {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}
