package account

import "testing"

func TestScopeList(t *testing.T) {
	tests := []struct {
		name   string
		scopes string
		want   []string
	}{
		{"empty", "", nil},
		{"single", "read_products", []string{"read_products"}},
		{"multiple with spaces", "read_products, write_products ,read_orders", []string{"read_products", "write_products", "read_orders"}},
		{"trailing comma", "read_products,", []string{"read_products"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &LinkedAccount{Scopes: tt.scopes}
			got := a.ScopeList()
			if len(got) != len(tt.want) {
				t.Fatalf("ScopeList() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ScopeList()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHasScopes(t *testing.T) {
	a := &LinkedAccount{Scopes: "read_products,write_products"}

	if !a.HasScopes([]string{"read_products"}) {
		t.Error("subset should be granted")
	}
	if !a.HasScopes([]string{"read_products", "write_products"}) {
		t.Error("exact set should be granted")
	}
	if a.HasScopes([]string{"read_products", "write_discounts"}) {
		t.Error("missing scope should not be granted")
	}
	if !a.HasScopes(nil) {
		t.Error("empty requirement is always granted")
	}
}
