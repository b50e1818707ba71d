package credential

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDigest_KnownVector(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Digest("abc"); got != want {
		t.Errorf("Digest(abc) = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		digest    string
		want      bool
	}{
		{"match", "abc", Digest("abc"), true},
		{"mismatch", "abd", Digest("abc"), false},
		{"empty presented", "", Digest(""), false},
		{"empty digest", "abc", "", false},
		{"uppercase digest", "abc", "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.presented, tt.digest); got != tt.want {
				t.Errorf("Verify(%q, %q) = %v, want %v", tt.presented, tt.digest, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  key-1 \t"); got != "key-1" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestVerify_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a key verifies against its own digest", prop.ForAll(
		func(k string) bool {
			return Verify(k, Digest(k))
		},
		gen.AnyString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.Property("a key never verifies against another key's digest", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return !Verify(a, Digest(b))
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("digests are 64 lowercase hex characters", prop.ForAll(
		func(k string) bool {
			d := Digest(k)
			if len(d) != 64 {
				return false
			}
			for _, c := range d {
				if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
