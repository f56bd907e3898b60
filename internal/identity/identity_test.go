package identity

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUserKeyDeterministic(t *testing.T) {
	a := UserKey("user_2abcDEF123")
	b := UserKey("user_2abcDEF123")
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
}

func TestUserKeyDistinctInputs(t *testing.T) {
	a := UserKey("user_one")
	b := UserKey("user_two")
	if a == b {
		t.Fatalf("distinct inputs produced the same key %s", a)
	}
}

func TestUserKeyShape(t *testing.T) {
	ids := []string{"user_2abcDEF123", "x", "", "user_with_a_much_longer_identifier_0123456789"}
	for _, id := range ids {
		key := UserKey(id)
		s := key.String()

		if _, err := uuid.Parse(s); err != nil {
			t.Fatalf("UserKey(%q) = %q is not a parseable uuid: %v", id, s, err)
		}
		if s[14] != '4' {
			t.Errorf("UserKey(%q) version nibble = %c, want 4", id, s[14])
		}
		if !strings.ContainsRune("89ab", rune(s[19])) {
			t.Errorf("UserKey(%q) variant nibble = %c, want one of 89ab", id, s[19])
		}
	}
}
