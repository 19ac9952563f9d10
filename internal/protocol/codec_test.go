package protocol

import (
	"bytes"
	"errors"
	"testing"
)

type byteRecorder struct {
	sent  []byte
	calls int
	fail  int // fail on this call number when > 0
}

func (r *byteRecorder) SendByte(b byte) error {
	r.calls++
	if r.fail > 0 && r.calls == r.fail {
		return errors.New("port closed")
	}
	r.sent = append(r.sent, b)
	return nil
}

func TestEncodeLayout(t *testing.T) {
	got := Encode(KindRunning, []byte("test"))
	want := []byte{0x81, 0, 0, 0, 4, 't', 'e', 's', 't'}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %v, want %v", got, want)
	}

	got = Encode(KindBuild, nil)
	want = []byte{1, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(empty) = %v, want %v", got, want)
	}
}

func TestSendWritesEachByte(t *testing.T) {
	rec := &byteRecorder{}
	if err := Send(rec, KindBuild, []byte("-j4")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if rec.calls != HeaderSize+3 {
		t.Errorf("SendByte called %d times, want %d", rec.calls, HeaderSize+3)
	}
	if !bytes.Equal(rec.sent, Encode(KindBuild, []byte("-j4"))) {
		t.Errorf("sent %v", rec.sent)
	}
}

func TestSendStopsOnError(t *testing.T) {
	rec := &byteRecorder{fail: 3}
	if err := Send(rec, KindBuild, []byte("xyz")); err == nil {
		t.Fatal("Send() should fail when the port fails")
	}
	if len(rec.sent) != 2 {
		t.Errorf("sent %d bytes before failure, want 2", len(rec.sent))
	}
}

func TestRoundTrip(t *testing.T) {
	large := make([]byte, 100000)
	for i := range large {
		large[i] = byte(i * 7)
	}

	tests := []struct {
		name    string
		kind    Kind
		payload []byte
	}{
		{"empty", KindReady, []byte{}},
		{"one byte", KindRunning, []byte{'x'}},
		{"text", KindError, []byte("Build already in progress")},
		{"large", KindRunning, large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			packets := d.Write(Encode(tt.kind, tt.payload))
			if len(packets) != 1 {
				t.Fatalf("decoded %d packets, want 1", len(packets))
			}
			if packets[0].Kind != tt.kind {
				t.Errorf("kind = %s, want %s", packets[0].Kind, tt.kind)
			}
			if !bytes.Equal(packets[0].Payload, tt.payload) {
				t.Errorf("payload mismatch (len %d vs %d)", len(packets[0].Payload), len(tt.payload))
			}
			if d.Buffered() != 0 {
				t.Errorf("Buffered() = %d after complete packet", d.Buffered())
			}
		})
	}
}

func TestZeroValueDecoder(t *testing.T) {
	var d Decoder
	packets := d.Write(Encode(KindStarted, nil))
	if len(packets) != 1 || packets[0].Kind != KindStarted {
		t.Fatalf("zero Decoder decoded %+v", packets)
	}
}

func TestDeliveryGranularity(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(KindStarted, nil)...)
	stream = append(stream, Encode(KindRunning, []byte("50%"))...)
	stream = append(stream, Encode(KindRunning, []byte("100%"))...)
	stream = append(stream, Encode(KindComplete, StatusPayload(0))...)

	whole := NewDecoder().Write(stream)

	bytewise := NewDecoder()
	var single []Packet
	for _, b := range stream {
		if p, ok := bytewise.Feed(b); ok {
			single = append(single, p)
		}
	}

	chunked := NewDecoder()
	var split []Packet
	for _, n := range []int{1, 4, 2, 9, 3, 100} {
		if n > len(stream) {
			n = len(stream)
		}
		split = append(split, chunked.Write(stream[:n])...)
		stream = stream[n:]
	}

	for name, got := range map[string][]Packet{"bytewise": single, "chunked": split} {
		if len(got) != len(whole) {
			t.Fatalf("%s: %d packets, want %d", name, len(got), len(whole))
		}
		for i := range whole {
			if got[i].Kind != whole[i].Kind || !bytes.Equal(got[i].Payload, whole[i].Payload) {
				t.Errorf("%s: packet %d = %s %q, want %s %q",
					name, i, got[i].Kind, got[i].Payload, whole[i].Kind, whole[i].Payload)
			}
		}
	}
}

func TestUnknownKindDoesNotBreakDecoding(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(Kind(0x42), []byte("mystery"))...)
	stream = append(stream, Encode(KindRunning, []byte("ok"))...)

	packets := NewDecoder().Write(stream)
	if len(packets) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(packets))
	}
	if packets[0].Kind.Known() {
		t.Errorf("kind 0x42 reported as known")
	}
	if packets[1].Kind != KindRunning || packets[1].Text() != "ok" {
		t.Errorf("second packet = %s %q", packets[1].Kind, packets[1].Payload)
	}
}

func TestDecoderReset(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte{byte(KindRunning), 0, 0})
	if d.Buffered() != 3 {
		t.Fatalf("Buffered() = %d, want 3", d.Buffered())
	}
	d.Reset()
	packets := d.Write(Encode(KindReady, nil))
	if len(packets) != 1 || packets[0].Kind != KindReady {
		t.Errorf("after Reset decoded %+v", packets)
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name    string
		packet  Packet
		want    int
		wantErr bool
	}{
		{"zero", Packet{KindComplete, StatusPayload(0)}, 0, false},
		{"failure", Packet{KindComplete, StatusPayload(2)}, 2, false},
		{"signed", Packet{KindComplete, StatusPayload(-15)}, -15, false},
		{"short", Packet{KindComplete, []byte{0, 1}}, 0, true},
		{"wrong kind", Packet{KindRunning, StatusPayload(0)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExitStatus(tt.packet)
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("ExitStatus() error = %v, want protocol error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExitStatus() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExitStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindError, "ERROR"},
		{KindBuild, "BUILD"},
		{KindCancel, "CANCEL"},
		{KindStarted, "STARTED"},
		{KindRunning, "RUNNING"},
		{KindComplete, "COMPLETE"},
		{KindReady, "READY"},
		{Kind(0x7f), "UNKNOWN(0x7f)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
