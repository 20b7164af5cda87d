package util

import "testing"

func TestValidateDeviceName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"h1", false},
		{"router-1", false},
		{"dns_server", false},
		{"A1", false},
		{"", true},
		{"-leading", true},
		{"has space", true},
		{"has/slash", true},
		{"waytoolongdevicename", true},
	}

	for _, tt := range tests {
		err := ValidateDeviceName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateDeviceName(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestSameSubnet(t *testing.T) {
	tests := []struct {
		ip     string
		addr   string
		prefix int
		want   bool
	}{
		{"10.0.1.2", "10.0.1.1", 24, true},
		{"10.0.2.1", "10.0.1.1", 24, false},
		{"10.0.2.1", "10.0.1.1", 16, true},
		{"bogus", "10.0.1.1", 24, false},
	}

	for _, tt := range tests {
		if got := SameSubnet(tt.ip, tt.addr, tt.prefix); got != tt.want {
			t.Errorf("SameSubnet(%q, %q, %d) = %v, want %v", tt.ip, tt.addr, tt.prefix, got, tt.want)
		}
	}
}

func TestParseCIDR(t *testing.T) {
	addr, prefix, err := ParseCIDR("10.0.3.1/24")
	if err != nil {
		t.Fatalf("ParseCIDR error: %v", err)
	}
	if addr != "10.0.3.1" || prefix != 24 {
		t.Errorf("ParseCIDR = (%q, %d), want (10.0.3.1, 24)", addr, prefix)
	}

	if _, _, err := ParseCIDR("10.0.3.1"); err == nil {
		t.Error("ParseCIDR without prefix should fail")
	}
}
