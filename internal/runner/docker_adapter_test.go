package runner

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func muxFrame(stream byte, data string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	return append(header, data...)
}

func TestDemuxStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(muxFrame(1, "out one\n"))
	buf.Write(muxFrame(2, "err one\n"))
	buf.Write(muxFrame(1, "out two\n"))

	stdout, stderr := demuxStream(&buf)
	if stdout != "out one\nout two\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "err one\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDemuxStreamEmptyFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(muxFrame(1, ""))
	buf.Write(muxFrame(1, "payload"))

	stdout, stderr := demuxStream(&buf)
	if stdout != "payload" {
		t.Errorf("stdout = %q, want %q", stdout, "payload")
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want empty", stderr)
	}
}

func TestDemuxStreamTruncated(t *testing.T) {
	frame := muxFrame(1, "complete")
	frame = append(frame, muxFrame(2, "cut")[:9]...)

	stdout, stderr := demuxStream(bytes.NewReader(frame))
	if stdout != "complete" {
		t.Errorf("stdout = %q, want %q", stdout, "complete")
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want empty", stderr)
	}
}

func TestDemuxStreamUnknownStreamDropped(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(muxFrame(0, "stdin echo"))
	buf.Write(muxFrame(1, "kept"))

	stdout, _ := demuxStream(&buf)
	if stdout != "kept" {
		t.Errorf("stdout = %q, want %q", stdout, "kept")
	}
}
