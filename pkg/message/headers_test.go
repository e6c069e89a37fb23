package message

import "testing"

func TestHeadersOrderAndMultiValue(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a=1")
	h.Add("X-Custom", "v1")
	h.Add("Set-Cookie", "b=2")

	var got [][2]string
	h.Each(func(name, value string) {
		got = append(got, [2]string{name, value})
	})

	want := [][2]string{
		{"Set-Cookie", "a=1"},
		{"Set-Cookie", "b=2"},
		{"X-Custom", "v1"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d pairs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pair %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestHeadersCaseInsensitive(t *testing.T) {
	h := NewHeaders()
	h.Set("content-type", "text/plain")
	if h.Get("Content-Type") != "text/plain" {
		t.Error("expected case-insensitive lookup to find the header")
	}
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := NewHeaders()
	h.Add("X-A", "1")
	c := h.Clone()
	c.Add("X-A", "2")
	if len(h.Values("X-A")) != 1 {
		t.Error("mutating the clone must not affect the original")
	}
}

func TestHeadersEqual(t *testing.T) {
	a := NewHeaders()
	a.Add("X-A", "1")
	a.Add("X-B", "2")
	b := NewHeaders()
	b.Add("X-B", "2")
	b.Add("X-A", "1")
	if !a.Equal(b) {
		t.Error("expected headers with the same name->values mapping to be Equal regardless of name order")
	}
}
