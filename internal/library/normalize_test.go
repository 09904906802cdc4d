package library_test

import (
	"testing"

	"narrator/internal/library"
)

func TestNormalizeKeyFoldsEquivalentPairs(t *testing.T) {
	cases := []struct {
		name          string
		titleA, authA string
		titleB, authB string
	}{
		{"case", "Alice in Wonderland", "Lewis Carroll", "ALICE IN WONDERLAND", "lewis carroll"},
		{"punctuation", "Alice's Adventures", "Carroll, Lewis", "Alices Adventures", "Carroll Lewis"},
		{"curly apostrophe", "Alice’s Adventures", "Carroll", "Alice's Adventures", "Carroll"},
		{"accents", "Les Misérables", "Victor Hugo", "Les Miserables", "Victor Hugo"},
		{"whitespace", "The  Time   Machine", "H. G. Wells", "The Time Machine", "H G Wells"},
		{"symbols", "War & Peace", "Tolstoy", "War Peace", "Tolstoy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := library.NormalizeKey(tc.titleA, tc.authA)
			b := library.NormalizeKey(tc.titleB, tc.authB)
			if a != b {
				t.Fatalf("keys differ: %q vs %q", a, b)
			}
		})
	}
}

func TestNormalizeKeyDistinguishesDifferentBooks(t *testing.T) {
	a := library.NormalizeKey("Alice in Wonderland", "Lewis Carroll")
	b := library.NormalizeKey("Through the Looking Glass", "Lewis Carroll")
	if a == b {
		t.Fatalf("different titles collided: %q", a)
	}

	// Title/author boundary matters: "a b"+"c" is not "a"+"b c".
	x := library.NormalizeKey("a b", "c")
	y := library.NormalizeKey("a", "b c")
	if x == y {
		t.Fatalf("title/author boundary lost: %q", x)
	}
}

func TestNormalizeKeyStable(t *testing.T) {
	key := library.NormalizeKey("Don Quixote", "Cervantes")
	if key != "don quixote|cervantes" {
		t.Fatalf("unexpected key %q", key)
	}
}
