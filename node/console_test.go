package node

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestReadLines(t *testing.T) {
	r := strings.NewReader("one\r\n\ntwo\nexit")

	var got []string
	for line := range ReadLines(context.Background(), r, zaptest.NewLogger(t)) {
		got = append(got, line)
	}

	if diff := cmp.Diff([]string{"one", "", "two", "exit"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLinesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := ReadLines(ctx, strings.NewReader("a\nb\nc\n"), nil)
	cancel()

	// The reader stops on cancellation and closes the channel.
	for range lines {
	}
}

func TestReadLinesLongLine(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	r := strings.NewReader(long + "\nexit\n")

	var got []string
	for line := range ReadLines(context.Background(), r, zaptest.NewLogger(t)) {
		got = append(got, line)
	}

	if len(got) != 2 || got[0] != long || got[1] != "exit" {
		t.Errorf("Expected the long line and exit, got %d lines", len(got))
	}
}

func TestReadLinesTooLong(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := strings.NewReader("ok\n" + strings.Repeat("x", MaxLineSize+1) + "\nexit\n")

	var got []string
	for line := range ReadLines(context.Background(), r, zap.New(core)) {
		got = append(got, line)
	}

	if diff := cmp.Diff([]string{"ok"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	entries := logs.FilterMessage("console input stopped").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 logged read error, got %d", len(entries))
	}
	if err, ok := entries[0].ContextMap()["error"]; !ok || !strings.Contains(err.(string), bufio.ErrTooLong.Error()) {
		t.Errorf("Expected %v to be logged, got %v", bufio.ErrTooLong, entries[0].ContextMap())
	}
}
