package exc

import (
	"context"
	"os"
	"testing"

	"github.com/pkg/errors"
)

func TestErrorIsByCode(t *testing.T) {
	err := New("recvr.start", NotInitialized, errors.New("threadpool params not set"))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected code match")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected timeout match")
	}
	wrapped := errors.Wrap(err, "outer")
	if CodeOf(wrapped) != NotInitialized {
		t.Fatalf("expected not_initialized through wrap, got %s", CodeOf(wrapped))
	}
}

func TestCodeOfNetErrors(t *testing.T) {
	if CodeOf(os.ErrDeadlineExceeded) != Timeout {
		t.Fatalf("deadline should map to timeout")
	}
	if CodeOf(context.DeadlineExceeded) != Timeout {
		t.Fatalf("context deadline should map to timeout")
	}
	if CodeOf(os.ErrClosed) != Closed {
		t.Fatalf("closed should map to closed")
	}
	if CodeOf(nil) != OK {
		t.Fatalf("nil should be ok")
	}
}

func TestPolicyRaiseAndRecover(t *testing.T) {
	var p Policy
	base := New("client.hello", Timeout, nil)
	if got := p.Raise(base); got != base {
		t.Fatalf("disabled policy should return err")
	}
	p.Set(true)
	var got error
	func() {
		defer Recover(&got)
		_ = p.Raise(base)
		t.Fatalf("expected panic")
	}()
	if !errors.Is(got, ErrTimeout) {
		t.Fatalf("expected recovered timeout, got %v", got)
	}
	if p.Raise(nil) != nil {
		t.Fatalf("nil must not raise")
	}
}

func TestRecoverRepanicsForeignValues(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("expected foreign panic to propagate, got %v", r)
		}
	}()
	func() {
		var err error
		defer Recover(&err)
		panic("boom")
	}()
}
