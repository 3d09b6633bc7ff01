package telemetry

import "testing"

func TestTagEvent_UIDString(t *testing.T) {
	tests := []struct {
		uid  []byte
		want string
	}{
		{[]byte{0x04, 0xa1, 0xb2, 0xc3}, "04 A1 B2 C3"},
		{[]byte{0x0f}, "0F"},
		{nil, ""},
	}
	for _, tt := range tests {
		e := TagEvent{ReaderLabel: "gate", UID: tt.uid}
		if got := e.UIDString(); got != tt.want {
			t.Errorf("UIDString(%x) = %q, want %q", tt.uid, got, tt.want)
		}
	}
}

func TestTagTopicFor(t *testing.T) {
	if got, want := TagTopicFor("gate"), "v1/acc/rfid/gate/scan"; got != want {
		t.Errorf("TagTopicFor() = %q, want %q", got, want)
	}
}

func TestEncodeTag(t *testing.T) {
	e := TagEvent{ReaderLabel: "gate", UID: []byte{0x04, 0xa1, 0xb2, 0xc3}}
	got := string(EncodeTag(e, 1718000000))
	want := `{"uid":"04A1B2C3","ts":1718000000}`
	if got != want {
		t.Errorf("EncodeTag() = %s, want %s", got, want)
	}
}
