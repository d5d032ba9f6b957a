package protocol

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/yandex/porto/internal/perr"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Verb: VerbSetProperty, Name: "a", Property: "command", Value: "sleep 1000"}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if !reflect.DeepEqual(got, req) {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := FromError(perr.New(perr.ContainerDoesNotExist, "container %s does not exist", "a"))
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.Kind != perr.ContainerDoesNotExist || got.Msg != resp.Msg {
		t.Fatalf("got %+v, want %+v", got, resp)
	}
}

func TestOKResponseHasSuccessKind(t *testing.T) {
	resp := FromError(nil)
	if resp.Kind != perr.Success {
		t.Fatalf("Kind = %v, want Success", resp.Kind)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	reqs := []Request{
		{Verb: VerbStart, Name: "a"},
		{Verb: VerbStop, Name: "a"},
	}
	for _, r := range reqs {
		if err := WriteRequest(&buf, r); err != nil {
			t.Fatalf("WriteRequest: %v", err)
		}
	}
	for _, want := range reqs {
		got, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("ReadRequest: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestReadFrameReportsEOFAtCleanBoundary(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadRequest(&buf); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF at a clean boundary", err)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	header[0] = 0xFF // absurdly large length prefix
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf.Write(header[:])
	var v Request
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatalf("expected oversize frame to be rejected")
	}
}
