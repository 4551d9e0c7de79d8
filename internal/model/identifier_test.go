package model

import "testing"

func TestIdentifier_Parts(t *testing.T) {
	id := Identifier("6281234567890:2@s.whatsapp.net")

	if got := id.User(); got != "6281234567890" {
		t.Errorf("User() = %q, want %q", got, "6281234567890")
	}
	if got := id.Server(); got != ServerPhone {
		t.Errorf("Server() = %q, want %q", got, ServerPhone)
	}
	d, ok := id.Device()
	if !ok || d != 2 {
		t.Errorf("Device() = (%d, %v), want (2, true)", d, ok)
	}
	if got := id.Bare(); got != "6281234567890@s.whatsapp.net" {
		t.Errorf("Bare() = %q", got)
	}
	if id.Kind() != KindPhoneDerived {
		t.Errorf("Kind() = %v, want phone_derived", id.Kind())
	}
}

func TestIdentifier_Kind(t *testing.T) {
	if k := Identifier("59318229561477@lid").Kind(); k != KindOpaque {
		t.Errorf("lid Kind() = %v, want opaque", k)
	}
	if k := Identifier("120363000000@g.us").Kind(); k != KindUnknown {
		t.Errorf("group Kind() = %v, want unknown", k)
	}
	if k := Identifier("@s.whatsapp.net").Kind(); k != KindUnknown {
		t.Errorf("empty user Kind() = %v, want unknown", k)
	}
}

func TestIdentifier_SameParticipant_IgnoresDevice(t *testing.T) {
	a := DeviceID("6281234567890", 1)
	b := PhoneDerivedID("6281234567890")
	if !a.SameParticipant(b) {
		t.Errorf("%q and %q should be the same participant", a, b)
	}
	if a.SameParticipant(OpaqueID("6281234567890")) {
		t.Error("phone-derived and opaque ids must not be treated as the same participant")
	}
}

func TestScope(t *testing.T) {
	if !GlobalScope.IsGlobal() {
		t.Error("GlobalScope should be global")
	}
	s := GroupScope("g1@g.us")
	if s.IsGlobal() || s.String() != "g1@g.us" {
		t.Errorf("GroupScope = %+v", s)
	}
}
