// Package wire encodes log entries and AppendEntries messages in the protobuf wire format described by
// replication.proto. The same entry encoding is used for values in the bbolt log store, so an entry read from disk can
// be put on the wire without re-encoding its fields.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"replicated-log/internal/replog"
)

// Field numbers, see replication.proto
const (
	entryTerm    protowire.Number = 1
	entryIndex   protowire.Number = 2
	entryPayload protowire.Number = 3

	reqLeaderTerm   protowire.Number = 1
	reqLeaderID     protowire.Number = 2
	reqPrevLogIndex protowire.Number = 3
	reqPrevLogTerm  protowire.Number = 4
	reqEntries      protowire.Number = 5
	reqLeaderCommit protowire.Number = 6

	resTerm         protowire.Number = 1
	resSuccess      protowire.Number = 2
	resMatchIndex   protowire.Number = 3
	resReason       protowire.Number = 4
	resLastLogIndex protowire.Number = 5
)

var errTruncated = errors.New("wire: truncated message")

// AppendEntry appends the encoding of e to b.
func AppendEntry(b []byte, e *replog.LogEntry) []byte {
	b = appendUint(b, entryTerm, uint64(e.Term))
	b = appendUint(b, entryIndex, uint64(e.Index))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, entryPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// MarshalEntry encodes a single entry.
func MarshalEntry(e *replog.LogEntry) []byte {
	return AppendEntry(nil, e)
}

// UnmarshalEntry decodes an entry. The payload is copied, so b may be reused by the caller (bbolt values are only
// valid for the life of the transaction).
func UnmarshalEntry(b []byte, e *replog.LogEntry) error {
	*e = replog.LogEntry{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = replog.LogTerm(v)
			return n, nil
		case num == entryIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Index = replog.LogIndex(v)
			return n, nil
		case num == entryPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e.Payload = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// MarshalRequest encodes an AppendEntriesRequest.
func MarshalRequest(r *replog.AppendEntriesRequest) []byte {
	var b []byte
	b = appendUint(b, reqLeaderTerm, uint64(r.LeaderTerm))
	if r.LeaderID != "" {
		b = protowire.AppendTag(b, reqLeaderID, protowire.BytesType)
		b = protowire.AppendString(b, string(r.LeaderID))
	}
	b = appendUint(b, reqPrevLogIndex, uint64(r.PrevLogIndex))
	b = appendUint(b, reqPrevLogTerm, uint64(r.PrevLogTerm))
	for i := range r.Entries {
		b = protowire.AppendTag(b, reqEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalEntry(&r.Entries[i]))
	}
	b = appendUint(b, reqLeaderCommit, uint64(r.LeaderCommit))
	return b
}

// UnmarshalRequest decodes an AppendEntriesRequest. Absent fields keep their zero value, which for PrevLogIndex and
// PrevLogTerm means "log starts here".
func UnmarshalRequest(b []byte, r *replog.AppendEntriesRequest) error {
	*r = replog.AppendEntriesRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqLeaderTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.LeaderTerm = replog.LogTerm(v)
			return n, nil
		case num == reqLeaderID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.LeaderID = replog.ParticipantID(v)
			return n, nil
		case num == reqPrevLogIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.PrevLogIndex = replog.LogIndex(v)
			return n, nil
		case num == reqPrevLogTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.PrevLogTerm = replog.LogTerm(v)
			return n, nil
		case num == reqEntries && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var e replog.LogEntry
			if err := UnmarshalEntry(v, &e); err != nil {
				return 0, fmt.Errorf("entry %d: %w", len(r.Entries), err)
			}
			r.Entries = append(r.Entries, e)
			return n, nil
		case num == reqLeaderCommit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.LeaderCommit = replog.LogIndex(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// MarshalResult encodes an AppendEntriesResult.
func MarshalResult(r *replog.AppendEntriesResult) []byte {
	var b []byte
	b = appendUint(b, resTerm, uint64(r.Term))
	if r.Success {
		b = protowire.AppendTag(b, resSuccess, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendUint(b, resMatchIndex, uint64(r.MatchIndex))
	b = appendUint(b, resReason, uint64(r.Reason))
	b = appendUint(b, resLastLogIndex, uint64(r.LastLogIndex))
	return b
}

// UnmarshalResult decodes an AppendEntriesResult.
func UnmarshalResult(b []byte, r *replog.AppendEntriesResult) error {
	*r = replog.AppendEntriesResult{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case resTerm:
			r.Term = replog.LogTerm(v)
		case resSuccess:
			r.Success = protowire.DecodeBool(v)
		case resMatchIndex:
			r.MatchIndex = replog.LogIndex(v)
		case resReason:
			r.Reason = replog.RejectReason(v)
		case resLastLogIndex:
			r.LastLogIndex = replog.LogIndex(v)
		}
		return n, nil
	})
}

// appendUint writes a varint field, omitting zero values like proto3 does.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walk iterates over the fields of a message. field consumes the value starting at b and returns the number of bytes
// used, or a negative protowire error code.
func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		if m > len(b) {
			return errTruncated
		}
		b = b[m:]
	}
	return nil
}
