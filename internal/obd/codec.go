// Package obd implements the one OBD-II exchange this tool speaks: a
// service-1 PID 0x0C (engine RPM) query and its response, as understood by
// the Ozen mOByDic 1610 ECU simulator. All functions are pure; frames are
// classified by their first payload byte only.
package obd

import "github.com/embeddedTS/canobd/internal/can"

const (
	// QueryID is the OBD-II functional broadcast address.
	QueryID = 0x7DF
	// ResponseID is the primary ECU reply address.
	ResponseID = 0x7E8

	serviceCurrentData = 0x01
	pidEngineRPM       = 0x0C

	queryMarker    = 3 // payload byte 0 of a query
	responseMarker = 4 // payload byte 0 of a response

	queryLen    = 3
	responseLen = 5
)

// Query returns the constant RPM gauge request.
func Query() can.Frame {
	var f can.Frame
	f.CANID = QueryID
	f.Len = queryLen
	f.Data[0] = queryMarker
	f.Data[1] = serviceCurrentData
	f.Data[2] = pidEngineRPM
	return f
}

// Response returns a reply frame carrying the given RPM sample byte.
func Response(rpm byte) can.Frame {
	var f can.Frame
	f.CANID = ResponseID
	f.Len = responseLen
	f.Data[0] = responseMarker
	f.Data[1] = 0x41 // service 0x01 echoed with the reply bit set
	f.Data[2] = pidEngineRPM
	f.Data[3] = rpm
	f.Data[4] = 0x40
	return f
}

// IsQuery reports whether the frame looks like an RPM query. Frames with an
// empty payload classify as neither query nor response, so a truncated read
// is never acted upon.
func IsQuery(f can.Frame) bool { return f.Len >= 1 && f.Data[0] == queryMarker }

// IsResponse reports whether the frame looks like an RPM response.
func IsResponse(f can.Frame) bool { return f.Len >= 1 && f.Data[0] == responseMarker }

// ResponseRPM extracts the sample byte from a response frame.
func ResponseRPM(f can.Frame) byte { return f.Data[3] }
