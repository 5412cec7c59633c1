package webhook

import (
	"testing"
)

func TestGithubSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	want := "sha1=0f15ecf896221aad0ec55e0ae3fc11ae4536d94c"

	if got := githubSignature(body, "mysecret"); got != want {
		t.Errorf("githubSignature() = %v, want %v", got, want)
	}
	if got := githubSignature([]byte(`{"a":2}`), "mysecret"); got == want {
		t.Error("signature should change when the body changes")
	}
}

func TestGogsSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	want := "1731f916fda95877b9a13a23fad534f9e6108a6051a8357360c38298832d3811"

	if got := gogsSignature(body, "mysecret"); got != want {
		t.Errorf("gogsSignature() = %v, want %v", got, want)
	}
	if got := gogsSignature(body, "other"); got == want {
		t.Error("signature should change when the secret changes")
	}
}

func TestSecureEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"equal", "token", "token", true},
		{"different", "token", "tokem", false},
		{"prefix", "token", "tok", false},
		{"both empty", "", "", true},
		{"one empty", "token", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := secureEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("secureEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
