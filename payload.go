package transport

type payloadKind uint8

const (
	payloadOwned payloadKind = iota
	payloadShared
	payloadUnique
)

// Payload is one entry of an outgoing queue. Callers differ in whether they
// want to keep a private copy, share bytes with other subsystems, or hand
// the buffer off entirely, so all three ownership modes coexist in a queue.
type Payload struct {
	kind payloadKind
	data []byte
	ref  *[]byte
}

// OwnedPayload copies data so later mutation by the caller cannot affect the
// queued bytes.
func OwnedPayload(data []byte) Payload {
	owned := make([]byte, len(data))
	copy(owned, data)
	return Payload{kind: payloadOwned, data: owned}
}

// SharedPayload aliases *data; the bytes actually written are whatever the
// slice holds at drain time.
func SharedPayload(data *[]byte) Payload {
	return Payload{kind: payloadShared, ref: data}
}

// UniquePayload takes ownership of *data and clears the caller's slice.
func UniquePayload(data *[]byte) Payload {
	if data == nil {
		return Payload{kind: payloadUnique}
	}
	p := Payload{kind: payloadUnique, data: *data, ref: data}
	*data = nil
	return p
}

// valid reports whether the payload reference was non-nil at queue time.
func (p Payload) valid() bool {
	switch p.kind {
	case payloadShared, payloadUnique:
		return p.ref != nil
	}
	return true
}

func (p Payload) bytes() []byte {
	if p.kind == payloadShared {
		if p.ref == nil {
			return nil
		}
		return *p.ref
	}
	return p.data
}
