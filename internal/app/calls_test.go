package app

import (
	"fmt"
	"testing"
	"time"
)

func testCall(id string) *Call {
	return &Call{Info: CallInfo{CallID: id, StartedAt: time.Now()}}
}

func TestCallManagerRegisterAndGet(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)

	if err := cm.Register(testCall("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := cm.Register(testCall("b")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if cm.Count() != 2 {
		t.Errorf("Count = %d, want 2", cm.Count())
	}
	if got := cm.Get("a"); got == nil || got.Info.CallID != "a" {
		t.Errorf("Get(a) = %+v", got)
	}
	if cm.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestCallManagerRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)

	if err := cm.Register(testCall("dup")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := cm.Register(testCall("dup")); err == nil {
		t.Fatal("duplicate registration succeeded")
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1", cm.Count())
	}
}

func TestCallManagerEndRunsClosersInReverse(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)

	var order []int
	call := testCall("x")
	for i := 0; i < 3; i++ {
		call.AddCloser(func() error {
			order = append(order, i)
			return nil
		})
	}
	if err := cm.Register(call); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cm.End("x")

	if cm.Count() != 0 {
		t.Errorf("Count = %d after End, want 0", cm.Count())
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Errorf("closer order = %v, want [2 1 0]", order)
	}

	// Ending again is a no-op; closers do not run twice.
	cm.End("x")
	if len(order) != 3 {
		t.Errorf("closers ran again on second End: %v", order)
	}
}

func TestCallManagerEndUnknownIsNoop(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)
	cm.End("nothing")
}

func TestCallManagerEndAll(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)

	closed := 0
	for i := 0; i < 4; i++ {
		call := testCall(fmt.Sprintf("call-%d", i))
		call.AddCloser(func() error {
			closed++
			return nil
		})
		if err := cm.Register(call); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	cm.EndAll()

	if cm.Count() != 0 {
		t.Errorf("Count = %d after EndAll, want 0", cm.Count())
	}
	if closed != 4 {
		t.Errorf("closed = %d, want 4", closed)
	}

	// EndAll on an empty registry is safe.
	cm.EndAll()
}

func TestCallManagerInfos(t *testing.T) {
	t.Parallel()
	cm := NewCallManager(nil)

	if err := cm.Register(testCall("one")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	infos := cm.Infos()
	if len(infos) != 1 || infos[0].CallID != "one" {
		t.Errorf("Infos = %+v", infos)
	}
}
