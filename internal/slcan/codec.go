// Package slcan speaks the serial-line CAN ("LAWICEL") ASCII protocol used
// by CANable-style USB adapters, and adapts such an adapter to the endpoint
// and multiplexer contracts of internal/bus.
package slcan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/embeddedTS/canobd/internal/can"
	"github.com/embeddedTS/canobd/internal/metrics"
)

// Codec translates between can.Frame and SLCAN ASCII records.
//
// Wire format, one CR-terminated record per frame:
//
//	tIIIL[DD...]   standard frame: 3 hex id digits, 1 dlc digit, dlc hex byte pairs
//	TIIIIIIIIL[DD...]  extended frame: 8 hex id digits
//
// Other records (command acks, 'z'/'Z' transmit acks, version strings, the
// BEL error byte) are skipped without being counted as malformed.
type Codec struct{}

// Encode renders one frame as an SLCAN record including the trailing CR.
func (Codec) Encode(f can.Frame) []byte {
	var b []byte
	if f.Extended() {
		b = fmt.Appendf(b, "T%08X%d", f.ID(), f.Len)
	} else {
		b = fmt.Appendf(b, "t%03X%d", f.ID(), f.Len)
	}
	b = fmt.Appendf(b, "%X", f.Data[:f.Len])
	return append(b, '\r')
}

// maxRecordLen bounds accumulation between terminators: 1 type byte,
// 8 id digits, 1 dlc digit, 16 payload digits, plus slack for adapter
// banners. Anything longer without a CR is junk and gets dropped.
const maxRecordLen = 64

// DecodeStream consumes complete records from in and emits decoded frames
// via out. Partial records are left in the buffer for the next read.
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	for {
		data := in.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if len(data) > maxRecordLen {
				// no terminator in sight; drop the junk and resync
				metrics.IncMalformed()
				in.Reset()
			}
			return
		}
		rec := data[:i]
		fr, ok, malformed := parseRecord(rec)
		in.Next(i + 1)
		if malformed {
			metrics.IncMalformed()
			continue
		}
		if ok {
			out(fr)
		}
	}
}

// parseRecord decodes one terminator-stripped record. ok reports a decoded
// frame; malformed reports a frame-typed record that failed to parse.
func parseRecord(rec []byte) (fr can.Frame, ok, malformed bool) {
	if len(rec) == 0 {
		return fr, false, false // bare command ack
	}
	switch rec[0] {
	case 't':
		return parseFrame(rec[1:], 3, false)
	case 'T':
		return parseFrame(rec[1:], 8, true)
	default:
		return fr, false, false // status reply or line noise
	}
}

func parseFrame(rec []byte, idDigits int, ext bool) (fr can.Frame, ok, malformed bool) {
	if len(rec) < idDigits+1 {
		return fr, false, true
	}
	id, err := strconv.ParseUint(string(rec[:idDigits]), 16, 32)
	if err != nil {
		return fr, false, true
	}
	dlc := int(rec[idDigits]) - '0'
	if dlc < 0 || dlc > can.MaxDataLen {
		return fr, false, true
	}
	hexPart := rec[idDigits+1:]
	if len(hexPart) != dlc*2 {
		return fr, false, true
	}
	payload, err := hex.DecodeString(string(hexPart))
	if err != nil {
		return fr, false, true
	}
	if ext {
		fr.CANID = uint32(id)&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		fr.CANID = uint32(id) & can.CAN_SFF_MASK
	}
	fr.Len = uint8(dlc)
	copy(fr.Data[:], payload)
	return fr, true, false
}
