package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSHA256_NormalizesBeforeHashing(t *testing.T) {
	want := sha("user@example.com")

	if got := SHA256("  User@Example.COM  "); got != want {
		t.Errorf("expected normalized hash %s, got %s", want, got)
	}
}

func TestHashIfNeeded_Idempotent(t *testing.T) {
	once := HashIfNeeded("user@example.com")
	twice := HashIfNeeded(once)

	if once != twice {
		t.Errorf("hashing is not idempotent: %s != %s", once, twice)
	}
	if !IsHashed(once) {
		t.Errorf("expected %s to be recognized as hashed", once)
	}
}

func TestHashIfNeeded_EmptyOmitted(t *testing.T) {
	if got := HashIfNeeded(""); got != "" {
		t.Errorf("expected empty value to stay empty, got %q", got)
	}
}

func TestIsHashed(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{sha("x"), true},
		{"user@example.com", false},
		{"ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789", false}, // uppercase hex
		{sha("x")[:63], false},
		{sha("x") + "0", false},
	}

	for _, tc := range cases {
		if got := IsHashed(tc.value); got != tc.want {
			t.Errorf("IsHashed(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	h := Hasher{CountryCode: "55"}

	cases := []struct {
		in   string
		want string
	}{
		{"(11) 98888-7777", "5511988887777"},
		{"+55 11 98888-7777", "5511988887777"},
		{"5511988887777", "5511988887777"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := h.NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHashPhone_PassesThroughHashed(t *testing.T) {
	h := Hasher{}
	hashed := h.HashPhone("(11) 98888-7777")

	if h.HashPhone(hashed) != hashed {
		t.Error("expected already-hashed phone to pass through")
	}
}

func TestHashUserData(t *testing.T) {
	h := Hasher{CountryCode: "55"}

	out := h.HashUserData(map[string]string{
		"em":                "User@Example.com",
		"ph":                "(11) 98888-7777",
		"fn":                "Maria",
		"zp":                "",
		"client_user_agent": "Mozilla/5.0",
	})

	if out["em"] != sha("user@example.com") {
		t.Errorf("unexpected em hash: %s", out["em"])
	}
	if out["ph"] != sha("5511988887777") {
		t.Errorf("unexpected ph hash: %s", out["ph"])
	}
	if !IsHashed(out["fn"]) {
		t.Errorf("expected fn to be hashed, got %s", out["fn"])
	}
	if _, ok := out["zp"]; ok {
		t.Error("expected empty zp to be omitted")
	}
	if out["client_user_agent"] != "Mozilla/5.0" {
		t.Error("expected non-identity field to pass through unhashed")
	}
}

func TestHashUserData_DoubleApplicationIsStable(t *testing.T) {
	h := Hasher{}
	in := map[string]string{"em": "user@example.com", "fn": "Maria"}

	once := h.HashUserData(in)
	twice := h.HashUserData(once)

	for k, v := range once {
		if twice[k] != v {
			t.Errorf("field %s changed on second pass: %s != %s", k, v, twice[k])
		}
	}
}

func TestSplitName(t *testing.T) {
	first, last := SplitName("  Maria da Silva ")
	if first != "Maria" || last != "da Silva" {
		t.Errorf("unexpected split: %q %q", first, last)
	}

	first, last = SplitName("Maria")
	if first != "Maria" || last != "" {
		t.Errorf("unexpected single-word split: %q %q", first, last)
	}
}
