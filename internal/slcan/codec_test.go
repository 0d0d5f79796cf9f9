package slcan

import (
	"bytes"
	"testing"

	"github.com/embeddedTS/canobd/internal/can"
)

func TestEncodeStandard(t *testing.T) {
	f := can.Frame{CANID: 0x7DF, Len: 3}
	f.Data[0], f.Data[1], f.Data[2] = 0x03, 0x01, 0x0C
	got := string(Codec{}.Encode(f))
	if got != "t7DF303010C\r" {
		t.Fatalf("Encode = %q, want %q", got, "t7DF303010C\r")
	}
}

func TestEncodeExtended(t *testing.T) {
	f := can.Frame{CANID: 0x18DB33F1 | can.CAN_EFF_FLAG, Len: 2}
	f.Data[0], f.Data[1] = 0xAA, 0xBB
	got := string(Codec{}.Encode(f))
	if got != "T18DB33F12AABB\r" {
		t.Fatalf("Encode = %q, want %q", got, "T18DB33F12AABB\r")
	}
}

func decodeAll(t *testing.T, chunks ...string) []can.Frame {
	t.Helper()
	var out []can.Frame
	acc := bytes.NewBuffer(nil)
	for _, ch := range chunks {
		acc.WriteString(ch)
		Codec{}.DecodeStream(acc, func(fr can.Frame) { out = append(out, fr) })
	}
	return out
}

func TestDecodeStreamSplitAcrossReads(t *testing.T) {
	frames := decodeAll(t, "t7E85", "04410C", "5040\r")
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.CANID != 0x7E8 || f.Len != 5 {
		t.Fatalf("unexpected frame %+v", f)
	}
	want := [5]byte{0x04, 0x41, 0x0C, 0x50, 0x40}
	for i, b := range want {
		if f.Data[i] != b {
			t.Fatalf("data[%d] = %#x, want %#x", i, f.Data[i], b)
		}
	}
}

func TestDecodeStreamSkipsAcksAndNoise(t *testing.T) {
	// command ack, tx ack, error bell, noise, then a real frame
	frames := decodeAll(t, "\rz\r\aV1013\rt1230\r")
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	if frames[0].CANID != 0x123 || frames[0].Len != 0 {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
}

func TestDecodeStreamMalformedResync(t *testing.T) {
	// bad dlc digit, then payload/dlc mismatch, then a good frame
	frames := decodeAll(t, "t7DFX\rt7DF2AA\rt7DF1AA\r")
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	if frames[0].CANID != 0x7DF || frames[0].Len != 1 || frames[0].Data[0] != 0xAA {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
}

func TestDecodeStreamDropsUnterminatedJunk(t *testing.T) {
	acc := bytes.NewBuffer(nil)
	acc.WriteString(string(bytes.Repeat([]byte{'x'}, maxRecordLen+1)))
	Codec{}.DecodeStream(acc, func(can.Frame) { t.Fatal("decoded frame from junk") })
	if acc.Len() != 0 {
		t.Fatalf("junk not dropped, %d bytes left", acc.Len())
	}
	// buffer usable again after resync
	acc.WriteString("t0011FF\r")
	var got []can.Frame
	Codec{}.DecodeStream(acc, func(fr can.Frame) { got = append(got, fr) })
	if len(got) != 1 || got[0].CANID != 0x001 || got[0].Data[0] != 0xFF {
		t.Fatalf("post-resync decode failed: %+v", got)
	}
}
