package packager

import "testing"

func TestBencodeScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"bytes", []byte("spam"), "4:spam"},
		{"int", 42, "i42e"},
		{"negative int", -3, "i-3e"},
		{"empty string", "", "0:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(bencode(tt.in))
			if got != tt.want {
				t.Errorf("bencode(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBencodeList(t *testing.T) {
	got := string(bencode([]any{"spam", "eggs"}))
	want := "l4:spam4:eggse"
	if got != want {
		t.Errorf("bencode(list) = %q, want %q", got, want)
	}
}

func TestBencodeDictSortsKeys(t *testing.T) {
	got := string(bencode(dict{
		{key: "spam", val: "eggs"},
		{key: "cow", val: "moo"},
	}))
	want := "d3:cow3:moo4:spam4:eggse"
	if got != want {
		t.Errorf("bencode(dict) = %q, want %q", got, want)
	}
}

func TestBencodeNestedDict(t *testing.T) {
	got := string(bencode(dict{
		{key: "publisher", val: "bob"},
		{key: "publisher-info", val: dict{
			{key: "a", val: 1},
		}},
	}))
	want := "d9:publisher3:bob14:publisher-infod1:ai1eee"
	if got != want {
		t.Errorf("bencode(nested dict) = %q, want %q", got, want)
	}
}

func TestBencodeRawSplicesVerbatim(t *testing.T) {
	inner := bencode(dict{{key: "a", val: 1}})
	got := string(bencode(dict{
		{key: "info", val: raw(inner)},
	}))
	want := "d4:infod1:ai1eee"
	if got != want {
		t.Errorf("bencode(raw) = %q, want %q", got, want)
	}
}

func TestBencodePanicsOnUnsupportedType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("bencode: want panic for unsupported type")
		}
	}()
	bencode(3.14)
}
