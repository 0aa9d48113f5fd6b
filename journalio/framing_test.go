package journalio

import "testing"

func TestFrameUnframeRoundTrip(t *testing.T) {
	payload := []byte("hello journal")
	framed := frameEntry(payload, false)
	got, consumed, err := unframeEntry(framed, false)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if consumed != len(framed) {
		t.Fatalf("expected to consume %d bytes, got %d", len(framed), consumed)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestUnframeDetectsChecksumMismatch(t *testing.T) {
	framed := frameEntry([]byte("hello"), false)
	framed[len(framed)-1] ^= 0xFF
	if _, _, err := unframeEntry(framed, false); err == nil {
		t.Fatalf("expected checksum mismatch to be detected")
	}
}

func TestUnframeSloppyCRCSkipsVerification(t *testing.T) {
	framed := frameEntry([]byte("hello"), true)
	framed[len(framed)-1] ^= 0xFF
	if _, _, err := unframeEntry(framed, true); err != nil {
		t.Fatalf("expected sloppy CRC to ignore the corrupted checksum, got %v", err)
	}
}

func TestUnframeTruncatedRecord(t *testing.T) {
	framed := frameEntry([]byte("hello"), false)
	if _, _, err := unframeEntry(framed[:len(framed)-2], false); err == nil {
		t.Fatalf("expected truncated record to error")
	}
}
