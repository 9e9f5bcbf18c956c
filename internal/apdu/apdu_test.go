package apdu

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseCommand_Cases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{"case1", "80840000", Command{CLA: 0x80, INS: 0x84}},
		{"case2", "8084000008", Command{CLA: 0x80, INS: 0x84, Le: 0x08, HasLe: true}},
		{"case3", "801400FF0401020304", Command{CLA: 0x80, INS: 0x14, P2: 0xFF, Data: []byte{1, 2, 3, 4}}},
		{"case4", "00A4040002AABB00", Command{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: []byte{0xAA, 0xBB}, HasLe: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := FromHex(tt.raw)
			if err != nil {
				t.Fatalf("FromHex: %v", err)
			}
			got, err := ParseCommand(raw)
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if got.CLA != tt.want.CLA || got.INS != tt.want.INS || got.P1 != tt.want.P1 || got.P2 != tt.want.P2 ||
				!bytes.Equal(got.Data, tt.want.Data) || got.Le != tt.want.Le || got.HasLe != tt.want.HasLe {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if !bytes.Equal(got.Bytes(), raw) {
				t.Fatalf("re-encoding mismatch: got %s want %s", ToHex(got.Bytes()), tt.raw)
			}
		})
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	for _, raw := range []string{"8084", "8084000005AABB", "80840000000102"} {
		b, _ := FromHex(raw)
		if _, err := ParseCommand(b); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestCommandValidate(t *testing.T) {
	ok := NewCommand(0x80, 0x8A, 0x00, 0x00, make([]byte, MaxDataLength))
	if err := ok.Validate(); err != nil {
		t.Fatalf("255 data bytes should be accepted: %v", err)
	}
	back, err := ParseCommand(ok.Bytes())
	if err != nil || len(back.Data) != MaxDataLength {
		t.Fatalf("round trip failed: %d bytes, %v", len(back.Data), err)
	}
	tooLong := NewCommand(0x80, 0x8A, 0x00, 0x00, make([]byte, MaxDataLength+1))
	if err := tooLong.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse([]byte{0x01, 0x02, 0x90, 0x00})
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !r.OK() || !bytes.Equal(r.Data, []byte{1, 2}) {
		t.Fatalf("unexpected response %v", r)
	}
	if r.String() != "01029000" {
		t.Fatalf("String() = %s", r.String())
	}
	r, _ = ParseResponse([]byte{0x61, 0x10})
	if r.SW1() != SWResponseBytesRemain || r.SW2() != 0x10 || len(r.Data) != 0 {
		t.Fatalf("unexpected status split %v", r)
	}
	if _, err := ParseResponse([]byte{0x90}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestHex(t *testing.T) {
	if got := ToHex([]byte{0x3b, 0xaf}); got != "3BAF" {
		t.Fatalf("ToHex = %s", got)
	}
	b, err := FromHex("3b af 00")
	if err != nil || !bytes.Equal(b, []byte{0x3B, 0xAF, 0x00}) {
		t.Fatalf("FromHex = %x, %v", b, err)
	}
	if _, err := FromHex("ABC"); err == nil {
		t.Fatal("expected odd length error")
	}
	if _, err := FromHex("ZZ"); err == nil {
		t.Fatal("expected invalid hex error")
	}
}
