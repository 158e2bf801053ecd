package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		email     string
		wantFirst string
		wantLast  string
	}{
		{"two tokens", "Ivan Petrov", "ivan@x.com", "Ivan", "Petrov"},
		{"one token", "Ivan", "ivan@x.com", "Ivan", ""},
		{"three tokens join last", "Anna Maria Lopez", "a@x.com", "Anna", "Maria Lopez"},
		{"empty name falls back to email local part", "", "ivan@x.com", "ivan", ""},
		{"whitespace only falls back", "   ", "kate@y.org", "kate", ""},
		{"no name no usable email", "", "@x.com", "", ""},
		{"extra whitespace between tokens", "  Ivan   Petrov  ", "ivan@x.com", "Ivan", "Petrov"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := DeriveName(tt.input, tt.email)
			assert.Equal(t, tt.wantFirst, first)
			assert.Equal(t, tt.wantLast, last)
		})
	}
}
