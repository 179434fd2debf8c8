package proc

import (
	"fmt"
	"testing"
	"time"
)

func line(content string) OutputLine {
	return OutputLine{Timestamp: time.Now(), Stream: "stdout", Content: content}
}

func TestOutputBufferWrapAround(t *testing.T) {
	b := NewOutputBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(line(fmt.Sprintf("line-%d", i)))
	}

	all := b.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(all))
	}
	want := []string{"line-2", "line-3", "line-4"}
	for i, w := range want {
		if all[i].Content != w {
			t.Errorf("index %d: expected %q, got %q", i, w, all[i].Content)
		}
	}
}

func TestOutputBufferGetLast(t *testing.T) {
	b := NewOutputBuffer(10)
	for i := 0; i < 4; i++ {
		b.Add(line(fmt.Sprintf("line-%d", i)))
	}

	last := b.GetLast(2)
	if len(last) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(last))
	}
	if last[0].Content != "line-2" || last[1].Content != "line-3" {
		t.Errorf("unexpected tail: %q %q", last[0].Content, last[1].Content)
	}

	// Asking for more than buffered returns everything
	if got := b.GetLast(100); len(got) != 4 {
		t.Errorf("expected 4 lines, got %d", len(got))
	}
}

func TestOutputBufferSubscribe(t *testing.T) {
	b := NewOutputBuffer(10)
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	b.Add(line("hello"))

	select {
	case got := <-sub:
		if got.Content != "hello" {
			t.Errorf("expected 'hello', got %q", got.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive line")
	}

	b.Unsubscribe(sub)
	b.Add(line("after"))
	select {
	case got := <-sub:
		t.Errorf("unexpected line after unsubscribe: %q", got.Content)
	default:
	}
}
