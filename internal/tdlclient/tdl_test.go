package tdlclient

import "testing"

func TestMessageLinkStripsChannelMarker(t *testing.T) {
	got := messageLink(-1001234567890, 42)
	want := "https://t.me/c/1234567890/42"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMessageLinkPositiveChatID(t *testing.T) {
	got := messageLink(555, 7)
	want := "https://t.me/c/555/7"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
