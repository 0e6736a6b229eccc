package icmpv4

import (
	"testing"

	"github.com/vnetbed/router/internal/checksum"
)

func TestEchoRoundTrip(t *testing.T) {
	var buf [16]byte
	frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	echo := FrameEcho{frm}
	echo.SetType(TypeEcho)
	echo.SetCode(0)
	echo.SetIdentifier(0x1234)
	echo.SetSequenceNumber(1)
	copy(echo.Data(), "payload")

	if echo.Type() != TypeEcho {
		t.Fatalf("type = %v, want echo", echo.Type())
	}
	if echo.Identifier() != 0x1234 {
		t.Fatalf("identifier = %#x, want 0x1234", echo.Identifier())
	}
	if echo.SequenceNumber() != 1 {
		t.Fatalf("sequence = %d, want 1", echo.SequenceNumber())
	}

	var crc checksum.CRC791
	echo.CRCWrite(&crc)
	echo.SetCRC(crc.Sum16())

	var verify checksum.CRC791
	verify.AddUint16(echo.CRC())
	echo.CRCWrite(&verify)
	if verify.Sum16() != 0 {
		t.Fatalf("checksum did not self-verify, got %#x", verify.Sum16())
	}
}

func TestDestinationUnreachable(t *testing.T) {
	var buf [8 + 28]byte
	frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	du := FrameDestinationUnreachable{frm}
	du.SetType(TypeDestinationUnreachable)
	du.SetCode(CodeHostUnreachable)
	if du.Code() != CodeHostUnreachable {
		t.Fatalf("code = %v, want host unreachable", du.Code())
	}
	if len(du.EmbeddedDatagram()) != 28 {
		t.Fatalf("embedded datagram length = %d, want 28", len(du.EmbeddedDatagram()))
	}
}

func TestNewFrameShort(t *testing.T) {
	_, err := NewFrame(make([]byte, 4))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}
