package catalog

import "testing"

func TestPlainText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Milk 3.2%, 1 L", "Milk 3.2%, 1 L"},
		{"  Sour   cream\n20% ", "Sour cream 20%"},
		{"Mayonnaise&nbsp;67%", "Mayonnaise 67%"},
		{"Cheese <b>Gouda</b><br>45%", "Cheese Gouda 45%"},
		{"&quot;Borodinsky&quot; bread", `"Borodinsky" bread`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := plainText(tt.in); got != tt.want {
			t.Errorf("plainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
