package dispatch

import "testing"

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
		wantErr  bool
	}{
		{"0.1", EtherDecimals, "100000000000000000", false},
		{"1", EtherDecimals, "1000000000000000000", false},
		{" 2.5 ", GweiDecimals, "2500000000", false},
		{"0", GweiDecimals, "0", false},
		{"0.0000000001", GweiDecimals, "", true},
		{"-1", EtherDecimals, "", true},
		{"abc", EtherDecimals, "", true},
		{"", EtherDecimals, "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.in, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseUnits(%q) = %s, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUnits(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseUnits(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatEther(t *testing.T) {
	wei, _ := ParseEther("0.1")
	if got := FormatEther(wei); got != "0.1" {
		t.Errorf("FormatEther = %q, want 0.1", got)
	}
	wei, _ = ParseEther("3")
	if got := FormatEther(wei); got != "3" {
		t.Errorf("FormatEther = %q, want 3", got)
	}
	if got := FormatEther(nil); got != "0" {
		t.Errorf("FormatEther(nil) = %q", got)
	}
}
