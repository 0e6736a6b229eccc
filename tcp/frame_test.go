package tcp

import (
	"testing"

	"github.com/vnetbed/router/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf [sizeHeaderTCP]byte
	frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(1234)
	frm.SetDestinationPort(80)
	frm.SetSeq(1000)
	frm.SetAck(2000)
	frm.SetOffsetAndFlags(5, FlagSYN|FlagACK)
	frm.SetWindowSize(65535)

	if frm.SourcePort() != 1234 || frm.DestinationPort() != 80 {
		t.Fatalf("ports = (%d,%d), want (1234,80)", frm.SourcePort(), frm.DestinationPort())
	}
	if frm.Seq() != 1000 || frm.Ack() != 2000 {
		t.Fatalf("seq,ack = (%d,%d), want (1000,2000)", frm.Seq(), frm.Ack())
	}
	offset, flags := frm.OffsetAndFlags()
	if offset != 5 || flags != FlagSYN|FlagACK {
		t.Fatalf("offset,flags = (%d,%v), want (5,[SYN,ACK])", offset, flags)
	}
	if frm.HeaderLength() != sizeHeaderTCP {
		t.Fatalf("header length = %d, want %d", frm.HeaderLength(), sizeHeaderTCP)
	}

	var v wire.Validator
	frm.ValidateExceptCRC(&v)
	if v.HasError() {
		t.Fatal(v.Err())
	}
}

func TestValidateExceptCRCZeroPort(t *testing.T) {
	var buf [sizeHeaderTCP]byte
	frm, _ := NewFrame(buf[:])
	frm.SetOffsetAndFlags(5, FlagSYN)

	var v wire.Validator
	frm.ValidateExceptCRC(&v)
	if !v.HasError() {
		t.Fatal("expected error for zero source/destination ports")
	}
}

func TestFlagsString(t *testing.T) {
	cases := []struct {
		flags Flags
		want  string
	}{
		{0, "[]"},
		{FlagSYN, "[SYN]"},
		{FlagSYN | FlagACK, "[SYN,ACK]"},
		{FlagFIN | FlagACK, "[FIN,ACK]"},
		{FlagRST, "[RST]"},
	}
	for _, c := range cases {
		if got := c.flags.String(); got != c.want {
			t.Errorf("Flags(%d).String() = %q, want %q", c.flags, got, c.want)
		}
	}
}
