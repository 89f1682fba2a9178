package bridge_test

import (
	"testing"

	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/tgutil"
)

func TestEntityCanonicalID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		e    bridge.Entity
		want int64
	}{
		{name: "user", e: bridge.Entity{Kind: tgutil.KindUser, ID: 123}, want: 123},
		{name: "chat", e: bridge.Entity{Kind: tgutil.KindChat, ID: 456}, want: -456},
		{name: "channel", e: bridge.Entity{Kind: tgutil.KindChannel, ID: 789}, want: -1000000000789},
		{name: "zero", e: bridge.Entity{}, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.e.CanonicalID(); got != tc.want {
				t.Fatalf("CanonicalID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestEntityDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		e    bridge.Entity
		want string
	}{
		{
			name: "firstAndLast",
			e:    bridge.Entity{FirstName: "Иван", LastName: "Петров", Username: "ivan"},
			want: "Иван Петров",
		},
		{
			name: "firstOnly",
			e:    bridge.Entity{FirstName: "Иван"},
			want: "Иван",
		},
		{
			name: "usernameFallback",
			e:    bridge.Entity{Username: "ivan"},
			want: "ivan",
		},
		{
			name: "titleFallback",
			e:    bridge.Entity{Title: "Служба заботы"},
			want: "Служба заботы",
		},
		{
			name: "emptyFallback",
			e:    bridge.Entity{},
			want: "user",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.e.DisplayName(); got != tc.want {
				t.Fatalf("DisplayName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEntityLabel(t *testing.T) {
	t.Parallel()

	withUsername := bridge.Entity{Kind: tgutil.KindUser, ID: 5, Username: "five"}
	if got := withUsername.Label(); got != "@five" {
		t.Fatalf("Label() = %q, want %q", got, "@five")
	}

	withoutUsername := bridge.Entity{Kind: tgutil.KindChannel, ID: 42}
	if got := withoutUsername.Label(); got != "42" {
		t.Fatalf("Label() = %q, want %q", got, "42")
	}
}

func TestEntityInputRefs(t *testing.T) {
	t.Parallel()

	user := bridge.Entity{Kind: tgutil.KindUser, ID: 1, AccessHash: 10}
	if _, ok := user.InputChannel(); ok {
		t.Fatal("InputChannel() for a user should miss")
	}
	if iu, ok := user.InputUser(); !ok || iu.UserID != 1 || iu.AccessHash != 10 {
		t.Fatalf("InputUser() = %#v, %v", iu, ok)
	}

	channel := bridge.Entity{Kind: tgutil.KindChannel, ID: 2, AccessHash: 20}
	if _, ok := channel.InputUser(); ok {
		t.Fatal("InputUser() for a channel should miss")
	}
	if ic, ok := channel.InputChannel(); !ok || ic.ChannelID != 2 || ic.AccessHash != 20 {
		t.Fatalf("InputChannel() = %#v, %v", ic, ok)
	}
}

func TestLooksLikeVideo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		hint string
		want bool
	}{
		{name: "mp4", hint: "https://cdn.example.com/clip.MP4", want: true},
		{name: "mov", hint: "intro.mov", want: true},
		{name: "webm", hint: "demo.webm", want: true},
		{name: "mimePrefix", hint: "video/quicktime", want: true},
		{name: "photo", hint: "poster.jpg", want: false},
		{name: "document", hint: "contract.pdf", want: false},
		{name: "empty", hint: "", want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := bridge.LooksLikeVideo(tc.hint); got != tc.want {
				t.Fatalf("LooksLikeVideo(%q) = %v, want %v", tc.hint, got, tc.want)
			}
		})
	}
}
