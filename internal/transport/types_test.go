package transport

import "testing"

func TestRefRoundTrip(t *testing.T) {
	cases := []MessageRef{
		{ChatID: -1001234567890, TopicID: 42, MessageID: 987},
		{ChatID: 123, TopicID: 0, MessageID: 1},
	}
	for _, ref := range cases {
		got, err := ParseRef(EncodeRef(ref))
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", EncodeRef(ref), err)
		}
		if got != ref {
			t.Fatalf("round trip = %+v, want %+v", got, ref)
		}
	}
}

func TestParseRefRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "1:2", "1:2:3:4", "a:b:c", "1:x:3"} {
		if _, err := ParseRef(raw); err == nil {
			t.Errorf("ParseRef(%q) accepted malformed input", raw)
		}
	}
}
