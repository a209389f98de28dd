package cache

import (
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want string
	}{
		{
			name: "empty description",
			desc: "",
			want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "abc",
			desc: "abc",
			want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.desc); got != tt.want {
				t.Errorf("Key() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescription(t *testing.T) {
	got := Description("APISite(enwiki)", "LoginStatus(NOT_LOGGED_IN)", "action=query&format=json")
	want := "APISite(enwiki)LoginStatus(NOT_LOGGED_IN)action=query&format=json"
	if got != want {
		t.Errorf("Description() = %q, want %q", got, want)
	}
}

func TestKey_DistinguishesUsers(t *testing.T) {
	params := "action=query&meta=userinfo"
	anon := Key(Description("APISite(enwiki)", "LoginStatus(NOT_LOGGED_IN)", params))
	user := Key(Description("APISite(enwiki)", "User(User:Bot)", params))
	other := Key(Description("APISite(dewiki)", "User(User:Bot)", params))

	if anon == user || user == other || anon == other {
		t.Errorf("keys collide: anon=%s user=%s other=%s", anon, user, other)
	}
	if len(anon) != 64 {
		t.Errorf("len(Key()) = %d, want 64", len(anon))
	}
}
