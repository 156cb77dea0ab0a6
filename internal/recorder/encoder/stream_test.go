package encoder

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStreamOrderAndFormat(t *testing.T) {
	s := NewStream(KindVideo, 4)
	defer s.Close()

	if err := s.SetFormat(Format{Codec: CodecVP8, Width: 640, Height: 480}); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := s.Push(Packet{Data: []byte{0x10}, Flags: FlagSync, PTS: 1000}, nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	o, err := s.Dequeue(0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if o.Type != OutputFormatChanged || o.Format.Kind != KindVideo || o.Format.Width != 640 {
		t.Fatalf("unexpected first output: %+v", o)
	}

	o, err = s.Dequeue(0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if o.Type != OutputPacket || o.Packet.PTS != 1000 || !o.Packet.Flags.IsSync() {
		t.Fatalf("unexpected packet: %+v", o)
	}
	o.Release()

	if _, err := s.Dequeue(0); !errors.Is(err, ErrTryAgain) {
		t.Fatalf("empty poll = %v, want ErrTryAgain", err)
	}

	start := time.Now()
	if _, err := s.Dequeue(20 * time.Millisecond); !errors.Is(err, ErrTryAgain) {
		t.Fatalf("timed poll = %v, want ErrTryAgain", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("timed poll returned too early")
	}
}

func TestStreamTryPushDropsWhenFull(t *testing.T) {
	s := NewStream(KindAudio, 1)
	defer s.Close()

	released := 0
	rel := func() { released++ }

	if !s.TryPush(Packet{PTS: 1}, rel) {
		t.Fatal("first TryPush should succeed")
	}
	if s.TryPush(Packet{PTS: 2}, rel) {
		t.Fatal("second TryPush should fail on a full queue")
	}
	if released != 1 {
		t.Fatalf("dropped packet not released: %d", released)
	}
	if got := s.Metrics()["dropped"].(uint64); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestStreamCloseReleasesQueued(t *testing.T) {
	s := NewStream(KindVideo, 3)
	released := 0
	for i := 0; i < 3; i++ {
		if err := s.Push(Packet{PTS: int64(i)}, func() { released++ }); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	s.Close()
	s.Close()

	if released != 3 {
		t.Fatalf("released = %d, want 3", released)
	}
	if _, err := s.Dequeue(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dequeue after close = %v, want ErrClosed", err)
	}
	if err := s.Push(Packet{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after close = %v, want ErrClosed", err)
	}
}

func TestStreamCloseUnblocksPush(t *testing.T) {
	s := NewStream(KindVideo, 1)
	if err := s.Push(Packet{}, nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Push(Packet{}, nil) }()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked Push = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push still blocked after Close")
	}
}

func TestReleaseOnce(t *testing.T) {
	n := 0
	o := NewPacketOutput(Packet{}, func() { n++ })
	o.Release()
	o.Release()
	var nilOut *Output
	nilOut.Release()
	if n != 1 {
		t.Fatalf("release called %d times", n)
	}
}

func TestIsVP8Keyframe(t *testing.T) {
	tests := []struct {
		frame []byte
		want  bool
	}{
		{nil, false},
		{[]byte{0x10, 0x02, 0x00}, true},
		{[]byte{0x31, 0x02, 0x00}, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := IsVP8Keyframe(tt.frame); got != tt.want {
				t.Fatalf("IsVP8Keyframe(%x) = %v, want %v", tt.frame, got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	fatal := &EncoderError{Code: CodeMissingBuffer, Message: "no data", Fatal: true}
	if !IsFatal(fmt.Errorf("drain: %w", fatal)) {
		t.Fatal("wrapped fatal error not detected")
	}
	if IsFatal(&EncoderError{Code: CodeUnexpectedStatus}) || IsFatal(ErrTryAgain) {
		t.Fatal("non-fatal error reported as fatal")
	}
	if got := fatal.Error(); got != "encoder error 2: no data (fatal: true)" {
		t.Fatalf("Error() = %q", got)
	}
}
