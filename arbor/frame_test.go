package arbor_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/canonical/arbor/arbor"
)

func TestFrameSlotTypeSafety(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder()
	slot := b.AddSlot(arbor.IntKind, "x", nil)
	frame := arbor.NewFrame(b.MustBuild())

	frame.SetInt(slot, 42)
	if v, err := frame.GetInt(slot); err != nil {
		t.Errorf("GetInt failed: %v", err)
	} else if v != 42 {
		t.Errorf("GetInt: got %d, want 42", v)
	}

	accessors := map[string]func() error{
		"Object":  func() error { _, err := frame.GetObject(slot); return err },
		"Boolean": func() error { _, err := frame.GetBoolean(slot); return err },
		"Byte":    func() error { _, err := frame.GetByte(slot); return err },
		"Long":    func() error { _, err := frame.GetLong(slot); return err },
		"Float":   func() error { _, err := frame.GetFloat(slot); return err },
		"Double":  func() error { _, err := frame.GetDouble(slot); return err },
	}
	for name, get := range accessors {
		err := get()
		if err == nil {
			t.Errorf("Get%s on an Int slot succeeded", name)
			continue
		}
		if !errors.Is(err, arbor.ErrFrameSlotType) {
			t.Errorf("Get%s: unexpected error %v", name, err)
		}
		var typeErr *arbor.FrameSlotTypeError
		if !errors.As(err, &typeErr) {
			t.Errorf("Get%s: expected a *FrameSlotTypeError, got %T", name, err)
		} else if typeErr.Actual != arbor.IntKind || typeErr.Slot != slot {
			t.Errorf("Get%s: unexpected error details %+v", name, typeErr)
		}
	}

	// The failed reads left the slot untouched.
	if tag := frame.Tag(slot); tag != arbor.IntKind {
		t.Errorf("slot tag changed to %s", tag)
	}
	if v, err := frame.GetInt(slot); err != nil || v != 42 {
		t.Errorf("slot value changed: got %d, %v", v, err)
	}
}

func TestFrameTypedRoundTrips(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder()
	first := b.AddSlots(7, arbor.ObjectKind)
	frame := arbor.NewFrame(b.MustBuild())

	frame.SetObject(first, "s")
	frame.SetBoolean(first+1, true)
	frame.SetByte(first+2, 0xfe)
	frame.SetInt(first+3, -7)
	frame.SetLong(first+4, 1<<40)
	frame.SetFloat(first+5, 1.5)
	frame.SetDouble(first+6, -2.25)

	var got []interface{}
	for i := first; i < first+7; i++ {
		got = append(got, frame.GetValue(i))
	}
	want := []interface{}{"s", true, byte(0xfe), int32(-7), int64(1 << 40), float32(1.5), float64(-2.25)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected slot values (-want +got):\n%s", diff)
	}

	if !frame.IsDouble(first+6) || frame.IsLong(first+6) {
		t.Errorf("IsDouble/IsLong disagree with the slot tag %s", frame.Tag(first+6))
	}

	frame.SwapSlots(first, first+3)
	if v, err := frame.GetInt(first); err != nil || v != -7 {
		t.Errorf("swapped slot: got %v, %v", v, err)
	}
	frame.CopySlot(first, first+1)
	if v, err := frame.GetInt(first + 1); err != nil || v != -7 {
		t.Errorf("copied slot: got %v, %v", v, err)
	}
	frame.Clear(first + 1)
	if tag := frame.Tag(first + 1); tag != arbor.IllegalKind {
		t.Errorf("cleared slot has tag %s", tag)
	}
}

func TestFrameDefaultValues(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder().DefaultValue("none")
	slot := b.AddSlot(arbor.ObjectKind, "x", nil)
	frame := arbor.NewFrame(b.MustBuild())
	if v, err := frame.GetObject(slot); err != nil || v != "none" {
		t.Errorf("default value: got %v, %v", v, err)
	}

	b = arbor.NewFrameDescriptorBuilder().DefaultValueIllegal()
	slot = b.AddSlot(arbor.ObjectKind, "x", nil)
	frame = arbor.NewFrame(b.MustBuild())
	if _, err := frame.GetObject(slot); !errors.Is(err, arbor.ErrFrameSlotType) {
		t.Errorf("reading an illegal slot: got %v, want a slot type error", err)
	}
}

func TestFrameDescriptorCopy(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder().DefaultValue(0).Info("root info")
	b.AddSlot(arbor.IntKind, "a", "info a")
	b.AddSlot(arbor.ObjectKind, "b", nil)
	original := b.MustBuild()
	original.FindOrAddAuxiliarySlot("aux")

	copied := original.Copy()
	if copied.NumberOfSlots() != original.NumberOfSlots() {
		t.Fatalf("copy has %d slots, want %d", copied.NumberOfSlots(), original.NumberOfSlots())
	}
	for i := 0; i < original.NumberOfSlots(); i++ {
		if copied.SlotName(i) != original.SlotName(i) || copied.SlotInfo(i) != original.SlotInfo(i) {
			t.Errorf("slot %d: copy has name %q info %v", i, copied.SlotName(i), copied.SlotInfo(i))
		}
		if kind := copied.SlotKind(i); kind != arbor.IllegalKind {
			t.Errorf("slot %d: copy has kind %s, want Illegal", i, kind)
		}
	}
	if copied.DefaultValue() != 0 || copied.Info() != "root info" {
		t.Errorf("copy lost descriptor data: default %v info %v", copied.DefaultValue(), copied.Info())
	}
	if n := copied.NumberOfAuxiliarySlots(); n != 0 {
		t.Errorf("copy has %d auxiliary slots, want 0", n)
	}

	// The descriptors are independent.
	copied.SetSlotKind(1, arbor.LongKind)
	if kind := original.SlotKind(1); kind != arbor.ObjectKind {
		t.Errorf("changing the copy changed the original to %s", kind)
	}
}

func TestSetSlotKindInvalidatesAssumption(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder()
	slot := b.AddSlot(arbor.IntKind, "x", nil)
	descriptor := b.MustBuild()

	assumption := descriptor.SlotKindAssumption(slot)
	descriptor.SetSlotKind(slot, arbor.IntKind)
	if !assumption.IsValid() {
		t.Errorf("setting the same kind invalidated the assumption")
	}

	descriptor.SetSlotKind(slot, arbor.ObjectKind)
	if assumption.IsValid() {
		t.Errorf("changing the kind did not invalidate the assumption")
	}
	var invalid *arbor.InvalidAssumptionError
	if err := assumption.Check(); !errors.As(err, &invalid) {
		t.Errorf("Check: got %v, want an *InvalidAssumptionError", err)
	}
	if next := descriptor.SlotKindAssumption(slot); next == assumption || !next.IsValid() {
		t.Errorf("no fresh assumption after the kind changed")
	}
}

func TestSlotKindsDisabled(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder().UseSlotKinds(false)
	b.AddSlot(arbor.IntKind, "x", nil)
	if _, err := b.Build(); !errors.Is(err, arbor.ErrIllegalState) {
		t.Errorf("building with a typed slot and kinds disabled: got %v", err)
	}

	b = arbor.NewFrameDescriptorBuilder().UseSlotKinds(false)
	slot := b.AddSlot(arbor.IllegalKind, "x", nil)
	descriptor := b.MustBuild()
	descriptor.SetSlotKind(slot, arbor.IntKind)
	if kind := descriptor.SlotKind(slot); kind != arbor.IllegalKind {
		t.Errorf("SetSlotKind changed the kind to %s with kinds disabled", kind)
	}
}

func TestAuxiliarySlots(t *testing.T) {
	descriptor := arbor.NewFrameDescriptorBuilder().MustBuild()
	a := descriptor.FindOrAddAuxiliarySlot("a")
	b := descriptor.FindOrAddAuxiliarySlot("b")
	if a == b {
		t.Fatalf("distinct keys share slot %d", a)
	}
	if again := descriptor.FindOrAddAuxiliarySlot("a"); again != a {
		t.Errorf("FindOrAddAuxiliarySlot is not stable: got %d, then %d", a, again)
	}

	frame := arbor.NewFrame(descriptor)
	frame.SetAuxiliarySlot(b, "value")
	if v := frame.GetAuxiliarySlot(b); v != "value" {
		t.Errorf("auxiliary slot: got %v", v)
	}
	if v := frame.GetAuxiliarySlot(a); v != nil {
		t.Errorf("unset auxiliary slot: got %v", v)
	}

	descriptor.DisableAuxiliarySlot("a")
	if diff := cmp.Diff(map[interface{}]int{"b": b}, descriptor.AuxiliarySlots()); diff != "" {
		t.Errorf("unexpected auxiliary slots (-want +got):\n%s", diff)
	}
	if n := descriptor.NumberOfAuxiliarySlots(); n != 2 {
		t.Errorf("disabled slot index was reclaimed early: %d slots", n)
	}
	descriptor.DisableAuxiliarySlot("b")
	if n := descriptor.NumberOfAuxiliarySlots(); n != 0 {
		t.Errorf("%d auxiliary slots remain after disabling all", n)
	}
}

func TestMaterializedFrameIsShared(t *testing.T) {
	b := arbor.NewFrameDescriptorBuilder()
	slot := b.AddSlot(arbor.LongKind, "x", nil)
	frame := arbor.NewFrame(b.MustBuild(), "arg")

	m := frame.Materialize()
	if frame.Materialize() != m || !frame.IsMaterialized() {
		t.Errorf("Materialize is not idempotent")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SetLong(slot, 7)
	}()
	<-done
	if v, err := frame.GetLong(slot); err != nil || v != 7 {
		t.Errorf("write through materialized frame: got %v, %v", v, err)
	}
	if diff := cmp.Diff([]interface{}{"arg"}, m.Arguments()); diff != "" {
		t.Errorf("unexpected arguments (-want +got):\n%s", diff)
	}
}
