package flag_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/brianmayclone/anyos-core/flag"
)

func TestParseSize(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		unit string
		m    string
		amt  int
		err  error
	}{
		{name: "badsuffix", m: "1T", amt: -1, err: strconv.ErrSyntax},
		{name: "1G", m: "1G", amt: 1 << 30, err: nil},
		{name: "1g", m: "1g", amt: 1 << 30, err: nil},
		{name: "1M", m: "1M", amt: 1 << 20, err: nil},
		{name: "1m", m: "1m", amt: 1 << 20, err: nil},
		{name: "1K", m: "1K", amt: 1 << 10, err: nil},
		{name: "1k", m: "1k", amt: 1 << 10, err: nil},
		{name: "1 with unit k", m: "1", unit: "k", amt: 1 << 10, err: nil},
		{name: "1 with unit empty", m: "1", unit: "", amt: 1, err: nil},
		{name: "8192m", m: "8192m", amt: 8192 << 20, err: nil},
		{name: "bad number", m: "zG", amt: -1, err: strconv.ErrSyntax},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			amt, err := flag.ParseSize(tt.m, tt.unit)
			if amt != tt.amt {
				t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.m, tt.unit, amt, tt.amt)
			}

			if !errors.Is(err, tt.err) {
				t.Errorf("ParseSize(%q, %q) err = %v, want %v", tt.m, tt.unit, err, tt.err)
			}
		})
	}
}
