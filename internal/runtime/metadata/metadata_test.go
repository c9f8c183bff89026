package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatal("expected non-nil empty map")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if base["baz"] != "" {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" || enriched["foo"] != "bar" {
		t.Fatalf("expected enriched map to keep and add entries, got %#v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "dangling")
	if md["key"] != "value" {
		t.Fatalf("expected key to be set")
	}
	if _, ok := md["dangling"]; ok {
		t.Fatalf("expected odd trailing key to be ignored")
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{KeyEncoding: EncodingTextJSON}
	wm := ToWatermill(md)
	if wm[KeyEncoding] != EncodingTextJSON {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm[KeyEncoding] = "mutation"
	if md[KeyEncoding] != EncodingTextJSON {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	roundTrip := FromWatermill(message.Metadata{"source": "sensor"})
	if roundTrip["source"] != "sensor" {
		t.Fatalf("expected watermill metadata to convert back")
	}
	if md := FromWatermill(nil); md == nil || len(md) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name     string
		md       Metadata
		fallback string
		want     string
	}{
		{"explicit tag", Metadata{KeyEncoding: "text/json"}, EncodingOctetStream, "text/json"},
		{"parameters stripped", Metadata{KeyEncoding: "Application/JSON; charset=utf-8"}, "", "application/json"},
		{"missing tag uses fallback", Metadata{}, EncodingOctetStream, EncodingOctetStream},
		{"blank tag uses fallback", Metadata{KeyEncoding: "  "}, "TEXT/PLAIN", "text/plain"},
		{"no tag no fallback", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.md.Encoding(tt.fallback); got != tt.want {
				t.Fatalf("Encoding() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithEncodingAndIsText(t *testing.T) {
	md := Metadata{}.WithEncoding(EncodingTextPlain)
	if md[KeyEncoding] != EncodingTextPlain {
		t.Fatalf("expected tag to be set, got %#v", md)
	}

	for _, tag := range []string{EncodingTextPlain, EncodingTextJSON, EncodingAppJSON, "text/plain;charset=utf-8"} {
		if !IsTextEncoding(tag) {
			t.Errorf("expected %q to be text", tag)
		}
	}
	for _, tag := range []string{EncodingOctetStream, "image/png", ""} {
		if IsTextEncoding(tag) {
			t.Errorf("expected %q not to be text", tag)
		}
	}
}
